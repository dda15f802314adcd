package main

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/example/grain-size/internal/config"
)

func TestOpenBrokerRejectsUnknownScheme(t *testing.T) {
	if _, err := openBroker(context.Background(), "kafka://localhost:9092", "jobs", zap.NewNop()); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestOpenBrokerRequiresScheme(t *testing.T) {
	_, err := openBroker(context.Background(), "localhost:6379", "jobs", zap.NewNop())
	if !errors.Is(err, config.ErrMissingBroker) {
		t.Fatalf("expected ErrMissingBroker, got %v", err)
	}
}
