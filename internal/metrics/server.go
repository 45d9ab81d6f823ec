package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pingMatch recognizes the bare "PING\n" liveness-check protocol some
// monitoring systems speak instead of HTTP — a plaintext analogue of the
// NEO-protocol byte sniffer (neoMatch) the teacher's cmd/neo/misc.go uses
// to share one listening port between its own wire protocol and HTTP.
func pingMatch(r io.Reader) bool {
	var b [5]byte
	n, _ := io.ReadFull(r, b[:])
	return n == 5 && string(b[:]) == "PING\n"
}

// ServeDebug multiplexes ln between the plaintext PING liveness protocol
// and HTTP (serving /metrics and net/http/pprof's default mux), exactly
// the cmux.New(l) -> mux.Match(...) -> errgroup fan-out shape the teacher
// uses in cmd/neo/misc.go's listenAndServe, retargeted from NEO-vs-HTTP to
// PING-vs-HTTP.
func ServeDebug(ctx context.Context, ln net.Listener, log *zap.Logger) error {
	mux := cmux.New(ln)
	pingL := mux.Match(pingMatch)
	httpL := mux.Match(cmux.HTTP1(), cmux.HTTP2())

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/debug/pprof/", http.DefaultServeMux)

	httpSrv := &http.Server{Handler: httpMux}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		httpSrv.Close()
		return nil
	})

	g.Go(func() error {
		err := mux.Serve()
		if ctx.Err() != nil {
			return nil // shutdown in progress, not a real failure
		}
		return err
	})

	g.Go(func() error {
		err := httpSrv.Serve(httpL)
		if err == http.ErrServerClosed || ctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		for {
			conn, err := pingL.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			conn.Write([]byte("PONG\n"))
			conn.Close()
		}
	})

	return g.Wait()
}
