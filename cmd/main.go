package main

import (
	"log"

	"go.uber.org/zap"

	"pluginwarden/logger"
	"pluginwarden/service"
)

func main() {
	svc, err := service.NewService()
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("Error during service shutdown: %v", err)
		}
	}()

	if err := svc.Start(); err != nil {
		logger.Error("Service error", zap.Error(err))
		return
	}
	logger.Info("Service stopped")
}
