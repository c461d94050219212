// SPDX-License-Identifier: ice License 1.0

package extension

import (
	"bytes"
	"strings"

	"github.com/gobwas/httphead"
	"github.com/pkg/errors"
)

// Parse scans every Sec-WebSocket-Extensions header value into a single ordered offer.
// Empty values are tolerated and yield an empty offer.
func Parse(values ...string) (Offer, error) {
	var offer Offer
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		index := -1
		ok := httphead.ScanOptions([]byte(value), func(idx int, name, attr, val []byte) httphead.Control {
			if idx != index {
				index = idx
				offer = append(offer, Token{Name: string(name), Params: make(Params)})
			}
			if attr != nil {
				current := offer[len(offer)-1].Params
				current[string(attr)] = append(current[string(attr)], string(val))
			}

			return httphead.ControlContinue
		})
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "can't scan %q", value)
		}
	}

	return offer, nil
}

// Candidates returns the parameter sets of every token named name, in offer order.
func (o Offer) Candidates(name string) []Params {
	var candidates []Params
	for _, token := range o {
		if strings.EqualFold(token.Name, name) {
			candidates = append(candidates, token.Params)
		}
	}

	return candidates
}

// Format serializes negotiated extensions into a Sec-WebSocket-Extensions header value.
func Format(responses ...Response) string {
	formatted := make([]string, 0, len(responses))
	for _, resp := range responses {
		opt := httphead.Option{Name: []byte(resp.Name)}
		for _, p := range resp.Params {
			opt.Parameters.Set([]byte(p.Name), []byte(p.Value))
		}
		var buf bytes.Buffer
		if _, err := httphead.WriteOptions(&buf, []httphead.Option{opt}); err != nil {
			continue
		}
		formatted = append(formatted, buf.String())
	}

	return strings.Join(formatted, ", ")
}
