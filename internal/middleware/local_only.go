package middleware

import (
	"net"
	"net/http"
	"strings"
)

// Peers resolves the client address of a request. The TCP peer is the
// answer unless it is one of the trusted proxies; only then are
// X-Real-Ip and X-Forwarded-For consulted.
type Peers struct {
	trusted []*net.IPNet
}

// NewPeers accepts IPs or CIDRs; malformed entries are skipped.
func NewPeers(trustedProxies []string) *Peers {
	p := &Peers{}
	for _, s := range trustedProxies {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			if ip := net.ParseIP(s); ip != nil {
				bits := 128
				if ip.To4() != nil {
					ip, bits = ip.To4(), 32
				}
				p.trusted = append(p.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			}
			continue
		}
		if _, n, err := net.ParseCIDR(s); err == nil {
			p.trusted = append(p.trusted, n)
		}
	}
	return p
}

func (p *Peers) isTrusted(s string) bool {
	if p == nil {
		return false
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	for _, n := range p.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIP returns the TCP peer, or the address a trusted proxy forwarded.
// X-Forwarded-For is walked from the right and the first untrusted hop wins.
func (p *Peers) ClientIP(r *http.Request) string {
	peer := peerIP(r)
	if !p.isTrusted(peer) {
		return peer
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); net.ParseIP(ip) != nil {
		return ip
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			break
		}
		if !p.isTrusted(hop) {
			return hop
		}
	}
	return peer
}

// LocalOnly rejects requests that do not come from loopback or a private
// network, unless the X-Bridge-Secret header matches secret.
// The bridge holds the user's tokens and must never be exposed publicly.
func LocalOnly(secret string, peers *Peers) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get("X-Bridge-Secret") == secret {
				next.ServeHTTP(w, r)
				return
			}
			if isPrivateIP(peers.ClientIP(r)) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
