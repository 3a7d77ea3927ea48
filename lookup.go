package nsq

import (
	"fmt"
	"net/http"
	"net/url"
)

// lookupProducer mirrors one entry of nsqlookupd's /lookup?topic= response.
type lookupProducer struct {
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
}

type lookupResponse struct {
	Producers []lookupProducer `json:"producers"`
}

// queryLookupd polls a single nsqlookupd for topic's producers and
// returns their "host:port" TCP addresses.
func queryLookupd(client *http.Client, lookupdAddr, topic string) ([]string, error) {
	endpoint := normalizeLookupdURL(lookupdAddr) + "/lookup?topic=" + url.QueryEscape(topic)

	var resp lookupResponse
	if err := httpGetJSON(client, endpoint, &resp); err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(resp.Producers))
	for _, p := range resp.Producers {
		addrs = append(addrs, fmt.Sprintf("%s:%d", p.BroadcastAddress, p.TCPPort))
	}
	return addrs, nil
}

// pollLookupds queries every configured nsqlookupd for topic and unions
// their producer sets, grounded on the vendored
// bitly/nsq/util/lookupd.GetLookupdTopicProducers union-across-hosts
// pattern. A failing host never aborts the poll (spec.md §4.5, §8
// scenario 8): its failure is collected into errs and the remaining hosts
// are still queried.
func pollLookupds(client *http.Client, lookupdAddrs []string, topic string) (map[string]bool, []*LookupError) {
	desired := make(map[string]bool)
	var errs []*LookupError

	for _, addr := range lookupdAddrs {
		producers, err := queryLookupd(client, addr, topic)
		if err != nil {
			errs = append(errs, newLookupError(addr, err))
			continue
		}
		for _, p := range producers {
			desired[p] = true
		}
	}

	return desired, errs
}
