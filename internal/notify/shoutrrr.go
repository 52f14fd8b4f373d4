package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ShoutrrrNotifier sends notifications to shoutrrr service URLs
// (ntfy://, slack://, telegram:// ...). Sends run in the background.
type ShoutrrrNotifier struct {
	sender *router.ServiceRouter
	logger *slog.Logger

	wg sync.WaitGroup
}

func NewShoutrrrNotifier(urls []string, logger *slog.Logger) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("shoutrrr: no service urls")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("shoutrrr: failed to create sender: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShoutrrrNotifier{sender: sender, logger: logger}, nil
}

func (n *ShoutrrrNotifier) Notify(title, body string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		params := types.Params{"title": title}
		for _, err := range n.sender.Send(body, &params) {
			if err != nil {
				n.logger.Warn("shoutrrr send failed", "title", title, "error", err)
			}
		}
	}()
}

// Close waits for in-flight sends.
func (n *ShoutrrrNotifier) Close() error {
	n.wg.Wait()
	return nil
}
