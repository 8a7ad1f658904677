package kube

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

// Tunnel is an ephemeral port-forward to a pod backing the workload's
// service. It satisfies the health package's Tunnel interface; callers must
// Close it when verification concludes, whatever the outcome.
type Tunnel struct {
	addr string
	stop chan struct{}
	once sync.Once
}

// Addr returns the local address of the tunnel.
func (t *Tunnel) Addr() string { return t.addr }

// Close terminates the tunnel. Safe to call more than once.
func (t *Tunnel) Close() error {
	t.once.Do(func() { close(t.stop) })

	return nil
}

// PortForward opens a tunnel to a running pod behind service, forwarding an
// ephemeral local port to remotePort over SPDY.
func (c *Client) PortForward(ctx context.Context, service string, remotePort int) (*Tunnel, error) {
	pod, err := c.backingPod(ctx, service)
	if err != nil {
		return nil, err
	}

	transport, upgrader, err := spdy.RoundTripperFor(c.restcfg)
	if err != nil {
		return nil, fmt.Errorf("creating spdy transport: %w", err)
	}

	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(c.namespace).
		Name(pod).
		SubResource("portforward")
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	stop := make(chan struct{})
	ready := make(chan struct{})
	errc := make(chan error, 1)

	fw, err := portforward.New(dialer, []string{fmt.Sprintf("0:%d", remotePort)}, stop, ready, io.Discard, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("creating port forwarder: %w", err)
	}

	go func() {
		errc <- fw.ForwardPorts()
	}()

	select {
	case <-ready:
	case err := <-errc:
		return nil, fmt.Errorf("port forward to pod %s: %w", pod, err)
	case <-ctx.Done():
		close(stop)

		return nil, ctx.Err()
	}

	ports, err := fw.GetPorts()
	if err != nil || len(ports) == 0 {
		close(stop)

		return nil, fmt.Errorf("resolving forwarded port for pod %s: %w", pod, err)
	}

	tunnel := &Tunnel{
		addr: fmt.Sprintf("127.0.0.1:%d", ports[0].Local),
		stop: stop,
	}
	c.lggr.Infow("Opened port-forward tunnel", "pod", pod, "addr", tunnel.addr, "remotePort", remotePort)

	return tunnel, nil
}
