package runner

const (
	defaultWorkers            = 4
	defaultBrowserConcurrency = 1
)

type Config struct {
	// Workers bounds the number of jobs retrieved at once.
	Workers int
	// BrowserConcurrency bounds the number of browser jobs running at once.
	BrowserConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BrowserConcurrency <= 0 {
		c.BrowserConcurrency = defaultBrowserConcurrency
	}
	return c
}
