package health

import "context"

// JournalPinger checks event journal availability.
type JournalPinger interface {
	Ping(ctx context.Context) error
}

// RecognizerChecker checks OCR engine availability.
type RecognizerChecker interface {
	HealthCheck(ctx context.Context) error
}
