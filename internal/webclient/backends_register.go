package webclient

import (
	"sync"

	"github.com/raysh454/kansoku/internal/logging"
)

var registerOnce sync.Once

// RegisterDefaultBackends registers the nethttp and chromedp backends.
// Later calls do nothing.
func RegisterDefaultBackends() {
	registerOnce.Do(func() {
		RegisterBackend(ClientNetHTTP, func(cfg Config, logger logging.Logger) (WebClient, error) {
			return NewNetHTTPClient(cfg, logger, nil)
		})
		RegisterBackend(ClientChromedp, func(cfg Config, logger logging.Logger) (WebClient, error) {
			return NewChromedpClient(cfg, logger)
		})
	})
}
