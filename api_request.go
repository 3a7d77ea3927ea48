package nsq

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpGetJSON performs a single GET and decodes the JSON response body
// into v, grounded on the vendored bitly/nsq/util.ApiRequest helper: a
// non-200 status or a JSON decode failure are both reported as plain
// errors here; lookup.go attaches the ELOOKUPERROR code and host.
func httpGetJSON(client *http.Client, url string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("got response %s %q", resp.Status, body)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// normalizeLookupdURL prefixes a bare "host:port" with http://, matching
// spec.md §6 ("URLs without a scheme are prefixed with http://").
func normalizeLookupdURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func defaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
