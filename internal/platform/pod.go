package platform

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GeneratePodID returns a unique identifier for this gateway instance,
// of the form "{hostname}-{8 hex chars}". The suffix keeps two pods on the
// same host (or a restarted pod) from colliding in the shared store.
func GeneratePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "edge"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}
