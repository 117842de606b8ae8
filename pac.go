package netguard

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/template"
)

// PACGenerator produces proxy auto-config (PAC) files pointing browsers
// at the proxy. Serve the result at /proxy.pac or write it to disk and
// distribute it out of band.
type PACGenerator struct {
	// ProxyAddr is the host:port of the proxy.
	ProxyAddr string

	// FallbackDirect appends DIRECT to the proxy directive so clients
	// keep working when the proxy is down.
	FallbackDirect bool

	// BypassDomains go direct, never through the proxy.
	BypassDomains []string

	// BypassNetworks are CIDR ranges that go direct.
	BypassNetworks []string
}

// NewPACGenerator creates a generator with sensible bypass defaults:
// localhost and the RFC 1918 private ranges go direct.
func NewPACGenerator(proxyAddr string) *PACGenerator {
	return &PACGenerator{
		ProxyAddr:      proxyAddr,
		FallbackDirect: true,
		BypassDomains:  []string{"localhost", "127.0.0.1"},
		BypassNetworks: []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
	}
}

// AddBypassDomain appends a domain to the bypass list.
func (g *PACGenerator) AddBypassDomain(domain string) {
	g.BypassDomains = append(g.BypassDomains, domain)
}

// AddBypassNetwork appends a CIDR range to the bypass list.
func (g *PACGenerator) AddBypassNetwork(cidr string) {
	g.BypassNetworks = append(g.BypassNetworks, cidr)
}

var pacTemplate = template.Must(template.New("pac").Parse(`function FindProxyForURL(url, host) {
    if (isPlainHostName(host)) {
        return "DIRECT";
    }
{{range .BypassDomains}}    if (dnsDomainIs(host, "{{.}}")) {
        return "DIRECT";
    }
{{end}}{{range .BypassNets}}    if (isInNet(host, "{{.Addr}}", "{{.Mask}}")) {
        return "DIRECT";
    }
{{end}}    return "{{.ProxyDirective}}";
}
`))

type pacNet struct {
	Addr string
	Mask string
}

type pacData struct {
	BypassDomains  []string
	BypassNets     []pacNet
	ProxyDirective string
}

// GenerateString renders the PAC file.
func (g *PACGenerator) GenerateString() (string, error) {
	data := pacData{
		BypassDomains:  g.BypassDomains,
		ProxyDirective: "PROXY " + g.ProxyAddr,
	}
	if g.FallbackDirect {
		data.ProxyDirective += "; DIRECT"
	}

	for _, cidr := range g.BypassNetworks {
		addr, prefix, ok := strings.Cut(cidr, "/")
		if !ok {
			return "", fmt.Errorf("invalid bypass network %q: missing prefix", cidr)
		}
		if net.ParseIP(addr) == nil {
			return "", fmt.Errorf("invalid bypass network %q: bad address", cidr)
		}
		mask := cidrToMask(prefix)
		if mask == "" {
			return "", fmt.Errorf("invalid bypass network %q: bad prefix", cidr)
		}
		data.BypassNets = append(data.BypassNets, pacNet{Addr: addr, Mask: mask})
	}

	var b strings.Builder
	if err := pacTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render PAC: %w", err)
	}
	return b.String(), nil
}

// WriteFile renders the PAC file to the given path.
func (g *PACGenerator) WriteFile(path string) error {
	pac, err := g.GenerateString()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(pac), 0644)
}

// ServeHTTP serves the PAC file with the standard auto-config MIME type.
func (g *PACGenerator) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	pac, err := g.GenerateString()
	if err != nil {
		http.Error(w, "PAC generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "max-age=300")
	_, _ = w.Write([]byte(pac))
}

// cidrToMask converts a prefix length ("8", "24") to dotted-quad
// notation for isInNet. Returns "" for anything outside 0..32.
func cidrToMask(prefix string) string {
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 || n > 32 {
		return ""
	}
	mask := net.CIDRMask(n, 32)
	return net.IP(mask).String()
}
