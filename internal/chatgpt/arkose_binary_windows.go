//go:build windows

package chatgpt

import (
	"context"
	"fmt"
)

// The native captcha tier needs dlopen; on Windows the HTTP backup path is
// the only tier.
type arkoseBinary struct{}

func (b *arkoseBinary) getToken() (string, error) { return "", fmt.Errorf("not supported") }
func (b *arkoseBinary) close()                    {}

func ensureArkoseBinary(ctx context.Context, client *Client, dir string) (*arkoseBinary, error) {
	return nil, fmt.Errorf("native captcha library not supported on windows")
}
