package webclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/raysh454/kansoku/internal/logging"
)

// FTPClient fetches ftp:// locations, logging in anonymously unless the URL
// carries credentials.
type FTPClient struct {
	logger logging.Logger
}

var _ FTPFetcher = (*FTPClient)(nil)

func NewFTPClient(logger logging.Logger) *FTPClient {
	return &FTPClient{logger: logger.With(logging.Field{Key: "backend", Value: "ftp"})}
}

func (c *FTPClient) Fetch(ctx context.Context, u *url.URL, timeout time.Duration, binary bool) ([]byte, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}

	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(timeout))
	}
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, classify(u.String(), err)
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			c.logger.Debug("ftp quit failed", logging.Field{Key: "error", Value: err})
		}
	}()

	user, pass := "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, fmt.Errorf("ftp login as %s: %w", user, err)
	}

	c.logger.Debug("retrieving ftp file",
		logging.Field{Key: "host", Value: addr},
		logging.Field{Key: "path", Value: u.Path})

	r, err := conn.Retr(u.Path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr %s: %w", u.Path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify(u.String(), err)
	}
	if binary {
		return data, nil
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return []byte(strings.TrimSuffix(text, "\n")), nil
}
