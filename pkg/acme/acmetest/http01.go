package acmetest

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTP01Validator returns a validation function fetching the key
// authorization from an http-01 responder listening on address, the way a
// CA does it on port 80 of the identifier.
func HTTP01Validator(address string) ValidationFunc {
	client := http.Client{Timeout: 5 * time.Second}

	return func(token, keyAuthorization string) error {
		uri := "http://" + address + "/.well-known/acme-challenge/" + token

		res, err := client.Get(uri)
		if err != nil {
			return fmt.Errorf("cannot fetch %q: %w", uri, err)
		}
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("cannot read response body: %w", err)
		}

		if res.StatusCode != 200 {
			return fmt.Errorf("%q answered with status %d", uri, res.StatusCode)
		}

		if string(body) != keyAuthorization {
			return fmt.Errorf("%q answered with key authorization %q, "+
				"expected %q", uri, body, keyAuthorization)
		}

		return nil
	}
}
