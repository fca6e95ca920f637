package query_test

import (
	"log"
	"os"
	"testing"

	"github.com/floatchat-ai/floatchat/api/config"
)

func TestMain(m *testing.M) {
	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	os.Exit(m.Run())
}
