// Package netguard provides a local intercepting proxy that blocks access
// to administrator-specified domains. It sits between client applications
// and the network, inspects outbound HTTP and HTTPS requests, and either
// forwards them upstream or substitutes a locally generated block response.
//
// # Architecture
//
// The proxy listens on two ports bound to a local address. Plain HTTP
// requests are matched against the blocked-domain set and either forwarded
// or answered with a block page. HTTPS requests arrive as CONNECT: blocked
// hosts are terminated locally with a certificate issued on the fly and
// signed by the configured root CA, so the block page is served inside the
// TLS session; allowed hosts get a transparent byte tunnel and their
// traffic is never decrypted.
//
// # Basic usage
//
// Create a server from a config and start it:
//
//	cfg := netguard.DefaultConfig()
//	srv := netguard.NewServer(cfg)
//	srv.UpdateBlockedDomains([]string{"ads.example.com", "*.tracker.test"})
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
//
// # Interception events
//
// Every blocked request produces an InterceptionEvent delivered to a
// callback registered with SetInterceptionCallback:
//
//	srv.SetInterceptionCallback(func(ev netguard.InterceptionEvent) {
//	    log.Printf("blocked %s from %s", ev.Domain, ev.ClientIP)
//	})
//
// The root CA certificate must be installed in the client's trust store
// for HTTPS interception to work without warnings; generating the root is
// handled here, installing it is not.
package netguard
