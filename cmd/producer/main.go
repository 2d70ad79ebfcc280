package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"order-pipeline/config"
	"order-pipeline/internal/broker"
	"order-pipeline/internal/codec"
	"order-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Publishes one encrypted order to the order topic. With -file it reads an
// OrderMessage JSON document; without it a sample order is generated.
func main() {
	file := flag.String("file", "", "path to an order JSON file")
	orderID := flag.String("order-id", "", "order id for the generated sample")
	flag.Parse()

	cfg := config.Load()

	payloadCodec, err := codec.New(cfg.Codec.Key, cfg.Codec.IV)
	if err != nil {
		log.Fatalf("Failed to initialize payload codec: %v", err)
	}

	order := sampleOrder(*orderID)
	if *file != "" {
		raw, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Failed to read order file: %v", err)
		}
		if err := json.Unmarshal(raw, &order); err != nil {
			log.Fatalf("Order file is not valid JSON: %v", err)
		}
	}

	raw, err := json.Marshal(order)
	if err != nil {
		log.Fatalf("Failed to encode order: %v", err)
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	correlationID := uuid.New().String()
	err = producer.Publish(ctx,
		[]byte(order.OrderID),
		[]byte(payloadCodec.Encrypt(string(raw))),
		kafka.Header{Key: broker.CorrelationIDHeader, Value: []byte(correlationID)})
	if err != nil {
		log.Fatalf("Failed to publish order: %v", err)
	}

	log.Printf("Published order %s (correlation %s) to %s",
		order.OrderID, correlationID, cfg.Kafka.TopicOrders)
}

func sampleOrder(orderID string) models.OrderMessage {
	if orderID == "" {
		orderID = fmt.Sprintf("ORDER-%s", uuid.New().String()[:8])
	}

	return models.OrderMessage{
		OrderID:   orderID,
		UserID:    "user-1001",
		UserName:  "Sample Customer",
		UserEmail: "customer@example.com",
		Items: []models.LineItem{
			{ProductName: "Trail Runner", Brand: "Acme", Size: 42, Color: "black", Quantity: 1, Price: 99.99},
		},
		TotalPrice:    99.99,
		TotalQuantity: 1,
		ShippingAddress: models.ShippingAddress{
			Address:    "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "US",
		},
		OrderDate: time.Now().UTC(),
		Status:    "pending",
	}
}
