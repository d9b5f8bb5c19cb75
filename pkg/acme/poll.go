package acme

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

var ErrVerificationInterrupted = errors.New("verification interrupted")

const (
	defaultRetryDelay = time.Second
	maxRetryDelay     = 10 * time.Second
)

// poll fetches the resource at uri with POST-as-GET requests until check
// reports it done or fails. Between two fetches, it waits as long as the
// server asked to with the Retry-After header field.
func poll[T any](ctx context.Context, c *Client, uri string, check func(*T) (bool, error)) (*T, error) {
	for {
		var resource T

		res, err := c.postAsGet(ctx, uri, &resource)
		if err != nil {
			return nil, err
		}

		done, err := check(&resource)
		if err != nil {
			return nil, err
		}
		if done {
			return &resource, nil
		}

		if err := sleep(ctx, retryDelay(res)); err != nil {
			return nil, err
		}
	}
}

// RFC 8555 8.2. Retrying Challenges: the Retry-After value is either a
// number of seconds or an HTTP date.
func retryDelay(res *http.Response) time.Duration {
	if res == nil {
		return defaultRetryDelay
	}

	delay := defaultRetryDelay

	value := res.Header.Get("Retry-After")
	if seconds, err := strconv.Atoi(value); err == nil {
		delay = time.Duration(seconds) * time.Second
	} else if date, err := http.ParseTime(value); err == nil {
		delay = time.Until(date)
	}

	return min(max(delay, 0), maxRetryDelay)
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrVerificationInterrupted
	}
}
