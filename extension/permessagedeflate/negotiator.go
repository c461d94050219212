// SPDX-License-Identifier: ice License 1.0

package permessagedeflate

import (
	"strconv"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/ice-blockchain/wsupgrade/extension"
)

// New creates a negotiator for one side of one connection. maxPayload <= 0 means unlimited.
func New(cfg *Config, isServer bool, maxPayload int64) *Negotiator {
	if cfg == nil {
		cfg = new(Config)
	}

	return &Negotiator{cfg: cfg, isServer: isServer, maxPayload: max(maxPayload, 0)}
}

func (cfg *Config) Validate() error {
	for key, bits := range map[string]int{ServerMaxWindowBits: cfg.ServerMaxWindowBits, ClientMaxWindowBits: cfg.ClientMaxWindowBits} {
		if bits != 0 && bits != WindowBitsDisabled && (bits < MinWindowBits || bits > MaxWindowBits) {
			return errors.Wrapf(ErrInvalidConfig, "%v must be within [%v..%v], got %v", key, MinWindowBits, MaxWindowBits, bits)
		}
	}
	if cfg.Level < flate.HuffmanOnly || cfg.Level > flate.BestCompression {
		return errors.Wrapf(ErrInvalidConfig, "level must be within [%v..%v], got %v", flate.HuffmanOnly, flate.BestCompression, cfg.Level)
	}

	return nil
}

// Offer builds the client side offer from the local configuration.
// client_max_window_bits is sent bare unless it is fixed or disabled, advertising support for it.
func (n *Negotiator) Offer() extension.Response {
	resp := extension.Response{Name: ExtensionName}
	if isTrue(n.cfg.ServerNoContextTakeover) {
		resp.Params = append(resp.Params, extension.Param{Name: ServerNoContextTakeover})
	}
	if isTrue(n.cfg.ClientNoContextTakeover) {
		resp.Params = append(resp.Params, extension.Param{Name: ClientNoContextTakeover})
	}
	if fixed(n.cfg.ServerMaxWindowBits) {
		resp.Params = append(resp.Params, extension.Param{Name: ServerMaxWindowBits, Value: strconv.Itoa(n.cfg.ServerMaxWindowBits)})
	}
	switch {
	case fixed(n.cfg.ClientMaxWindowBits):
		resp.Params = append(resp.Params, extension.Param{Name: ClientMaxWindowBits, Value: strconv.Itoa(n.cfg.ClientMaxWindowBits)})
	case n.cfg.ClientMaxWindowBits == 0:
		resp.Params = append(resp.Params, extension.Param{Name: ClientMaxWindowBits})
	}

	return resp
}

// Accept negotiates the peer's parameters.
// As a server it picks the first acceptable offer; as a client it validates the server's response.
func (n *Negotiator) Accept(paramsList []extension.Params) (Params, error) {
	candidates, err := n.normalize(paramsList)
	if err != nil {
		return Params{}, err
	}
	var params Params
	if n.isServer {
		params, err = n.acceptAsServer(candidates)
	} else {
		params, err = n.acceptAsClient(candidates)
	}
	if err != nil {
		return Params{}, err
	}
	n.mx.Lock()
	n.params = &params
	n.mx.Unlock()

	return params, nil
}

// Params returns the negotiated parameters and whether negotiation happened.
func (n *Negotiator) Params() (Params, bool) {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.params == nil {
		return Params{}, false
	}

	return *n.params, true
}

//nolint:gocognit,revive // It's a flat list of rules, splitting it would only hide them.
func (n *Negotiator) acceptAsServer(candidates []candidate) (Params, error) {
	for _, offered := range candidates {
		if isFalse(n.cfg.ServerNoContextTakeover) && offered.serverNoContextTakeover {
			continue
		}
		if n.cfg.ServerMaxWindowBits == WindowBitsDisabled && (offered.serverMaxWindowBits != 0 || offered.serverMaxWindowBitsRequested) {
			continue
		}
		if fixed(n.cfg.ServerMaxWindowBits) && offered.serverMaxWindowBits != 0 && n.cfg.ServerMaxWindowBits > offered.serverMaxWindowBits {
			continue
		}
		if fixed(n.cfg.ClientMaxWindowBits) && offered.clientMaxWindowBits == 0 && !offered.clientMaxWindowBitsRequested {
			continue
		}
		var accepted Params
		accepted.ServerNoContextTakeover = isTrue(n.cfg.ServerNoContextTakeover) || offered.serverNoContextTakeover
		accepted.ClientNoContextTakeover = isTrue(n.cfg.ClientNoContextTakeover) ||
			(!isFalse(n.cfg.ClientNoContextTakeover) && offered.clientNoContextTakeover)
		if fixed(n.cfg.ServerMaxWindowBits) {
			accepted.ServerMaxWindowBits = n.cfg.ServerMaxWindowBits
		} else {
			accepted.ServerMaxWindowBits = offered.serverMaxWindowBits
		}
		if fixed(n.cfg.ClientMaxWindowBits) {
			accepted.ClientMaxWindowBits = n.cfg.ClientMaxWindowBits
		} else if n.cfg.ClientMaxWindowBits != WindowBitsDisabled {
			accepted.ClientMaxWindowBits = offered.clientMaxWindowBits
		}

		return accepted, nil
	}

	return Params{}, errors.Wrap(ErrNegotiation, "doesn't support the offered configuration")
}

func (n *Negotiator) acceptAsClient(candidates []candidate) (Params, error) {
	if len(candidates) == 0 {
		return Params{}, errors.Wrap(ErrNegotiation, "empty response")
	}
	resp := candidates[0]
	if isFalse(n.cfg.ClientNoContextTakeover) && resp.clientNoContextTakeover {
		return Params{}, errors.Wrapf(ErrNegotiation, "invalid value for %q", ClientNoContextTakeover)
	}
	if isTrue(n.cfg.ServerNoContextTakeover) && !resp.serverNoContextTakeover {
		return Params{}, errors.Wrapf(ErrNegotiation, "missing %q", ServerNoContextTakeover)
	}
	if n.cfg.ClientMaxWindowBits == WindowBitsDisabled && resp.clientMaxWindowBits != 0 {
		return Params{}, errors.Wrapf(ErrNegotiation, "invalid value for %q", ClientMaxWindowBits)
	}
	if fixed(n.cfg.ClientMaxWindowBits) && (resp.clientMaxWindowBits == 0 || resp.clientMaxWindowBits > n.cfg.ClientMaxWindowBits) {
		return Params{}, errors.Wrapf(ErrNegotiation, "invalid value for %q", ClientMaxWindowBits)
	}
	if fixed(n.cfg.ServerMaxWindowBits) && (resp.serverMaxWindowBits == 0 || resp.serverMaxWindowBits > n.cfg.ServerMaxWindowBits) {
		return Params{}, errors.Wrapf(ErrNegotiation, "invalid value for %q", ServerMaxWindowBits)
	}

	return Params{
		ServerNoContextTakeover: resp.serverNoContextTakeover,
		ClientNoContextTakeover: resp.clientNoContextTakeover,
		ServerMaxWindowBits:     resp.serverMaxWindowBits,
		ClientMaxWindowBits:     resp.clientMaxWindowBits,
	}, nil
}

func (n *Negotiator) normalize(paramsList []extension.Params) ([]candidate, error) {
	candidates := make([]candidate, 0, len(paramsList))
	for _, params := range paramsList {
		var cand candidate
		for key, values := range params {
			if len(values) > 1 {
				return nil, errors.Wrapf(ErrNegotiation, "multiple extension parameters for %v", key)
			}
			value := values[0]
			switch key {
			case ServerNoContextTakeover, ClientNoContextTakeover:
				if value != "" {
					return nil, errors.Wrapf(ErrNegotiation, "invalid extension parameter value for %v (%v)", key, value)
				}
				if key == ServerNoContextTakeover {
					cand.serverNoContextTakeover = true
				} else {
					cand.clientNoContextTakeover = true
				}
			case ServerMaxWindowBits, ClientMaxWindowBits:
				bits, requested, err := n.parseWindowBits(key, value)
				if err != nil {
					return nil, err
				}
				if key == ServerMaxWindowBits {
					cand.serverMaxWindowBits, cand.serverMaxWindowBitsRequested = bits, requested
				} else {
					cand.clientMaxWindowBits, cand.clientMaxWindowBitsRequested = bits, requested
				}
			default:
				return nil, errors.Wrapf(ErrNegotiation, "not defined extension parameter (%v)", key)
			}
		}
		candidates = append(candidates, cand)
	}

	return candidates, nil
}

func (n *Negotiator) parseWindowBits(key, value string) (bits int, requested bool, err error) {
	if value == "" {
		if !n.isServer {
			return 0, false, errors.Wrapf(ErrNegotiation, "missing extension parameter value for %v", key)
		}

		return 0, true, nil
	}
	if bits, err = strconv.Atoi(value); err != nil || bits < MinWindowBits || bits > MaxWindowBits {
		return 0, false, errors.Wrapf(ErrNegotiation, "invalid extension parameter value for %v (%v)", key, value)
	}

	return bits, false, nil
}

// Response serializes the negotiated parameters the way they are sent back to the peer.
func (p Params) Response() extension.Response {
	resp := extension.Response{Name: ExtensionName}
	if p.ServerNoContextTakeover {
		resp.Params = append(resp.Params, extension.Param{Name: ServerNoContextTakeover})
	}
	if p.ClientNoContextTakeover {
		resp.Params = append(resp.Params, extension.Param{Name: ClientNoContextTakeover})
	}
	if p.ServerMaxWindowBits != 0 {
		resp.Params = append(resp.Params, extension.Param{Name: ServerMaxWindowBits, Value: strconv.Itoa(p.ServerMaxWindowBits)})
	}
	if p.ClientMaxWindowBits != 0 {
		resp.Params = append(resp.Params, extension.Param{Name: ClientMaxWindowBits, Value: strconv.Itoa(p.ClientMaxWindowBits)})
	}

	return resp
}

func (p Params) String() string {
	return extension.Format(p.Response())
}

func fixed(bits int) bool {
	return bits >= MinWindowBits && bits <= MaxWindowBits
}

func isTrue(flag *bool) bool {
	return flag != nil && *flag
}

func isFalse(flag *bool) bool {
	return flag != nil && !*flag
}
