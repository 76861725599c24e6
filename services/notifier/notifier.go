package notifier

import (
	"fmt"
	"net/http"
	"spotify-time-machine-go/logcolors"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// Notifier interface for different notification methods
type Notifier interface {
	Send(subject, message string) error
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes alerts to the process log. Used when no push target is configured.
type LogNotifier struct{}

func (LogNotifier) Send(subject, message string) error {
	log.Warnf("%s %s: %s", logcolors.LogNotifier, subject, message)
	return nil
}

// =============================================================================
// NTFY.SH NOTIFIER (Simple Push Notifications)
// =============================================================================

type NtfyNotifier struct {
	Topic  string // Your unique topic name
	Server string // Default: https://ntfy.sh
	client *resty.Client
}

// NewNtfyNotifier creates a notifier that pushes to an ntfy topic
func NewNtfyNotifier(server, topic string) *NtfyNotifier {
	if server == "" {
		server = "https://ntfy.sh"
	}
	return &NtfyNotifier{
		Topic:  topic,
		Server: server,
		client: resty.New().SetTimeout(10 * time.Second),
	}
}

func (n *NtfyNotifier) Send(subject, message string) error {
	client := n.client
	if client == nil {
		client = resty.New().SetTimeout(10 * time.Second)
	}

	resp, err := client.R().
		SetHeader("Title", subject).
		SetHeader("Priority", "high").
		SetHeader("Tags", "warning").
		SetBody(message).
		Post(fmt.Sprintf("%s/%s", n.Server, n.Topic))
	if err != nil {
		return fmt.Errorf("failed to send ntfy notification: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode())
	}

	log.Infof("%s Ntfy notification sent to topic %s", logcolors.LogNotifier, n.Topic)
	return nil
}
