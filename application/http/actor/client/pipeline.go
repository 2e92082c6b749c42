package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"slices"

	"http-pool/application/http"
	"http-pool/transport"
)

type layer int

const (
	layerProxyTLS layer = iota
	layerTLS
	layerTunnel
	layerCodec
)

func (l layer) String() string {
	switch l {
	case layerProxyTLS:
		return "proxy-tls"
	case layerTLS:
		return "tls"
	case layerTunnel:
		return "tunnel"
	case layerCodec:
		return "codec"
	}
	return "unknown"
}

// pipeline is the byte channel of a connection and the layers stacked on it.
type pipeline struct {
	raw net.Conn
	top net.Conn

	br  *bufio.Reader
	enc *http.RequestEncoder
	dec *http.ResponseDecoder

	layers []layer
	tls    *tls.ConnectionState
}

func newPipeline(raw net.Conn) *pipeline {
	return &pipeline{raw: raw, top: raw}
}

func (p *pipeline) push(l layer) { p.layers = append(p.layers, l) }

func (p *pipeline) remove(l layer) {
	if idx := slices.Index(p.layers, l); idx >= 0 {
		p.layers = slices.Delete(p.layers, idx, idx+1)
	}
}

func (p *pipeline) installCodec(opts Options) {
	p.br = bufio.NewReader(p.top)
	p.enc = http.NewRequestEncoder(p.top, opts.Send.Encode)
	p.dec = http.NewResponseDecoder(p.br, opts.Receive.Decode)
	p.push(layerCodec)
}

// uninstallCodec hands bytes the codec read ahead back to the channel.
func (p *pipeline) uninstallCodec() {
	if n := p.br.Buffered(); n > 0 {
		leftover, _ := p.br.Peek(n)
		p.top = transport.NewBufferedConn(p.top, leftover)
	}
	p.br, p.enc, p.dec = nil, nil, nil
	p.remove(layerCodec)
}

func (p *pipeline) installTLS(ctx context.Context, l layer, config *tls.Config) error {
	tc := tls.Client(p.top, config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}

	state := tc.ConnectionState()
	p.top = tc
	p.tls = &state
	p.push(l)
	return nil
}

// alive reports whether an idle channel is still usable.
// Anything readable on an idle HTTP/1.1 connection is either EOF or garbage.
func (p *pipeline) alive() bool {
	if p.br == nil || p.br.Buffered() > 0 {
		return false
	}

	if err := p.raw.SetReadDeadline(aLongTimeAgo); err != nil {
		return false
	}
	_, err := p.br.Peek(1)
	if err := p.raw.SetReadDeadline(noDeadline); err != nil {
		return false
	}

	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (p *pipeline) close() error {
	err := p.top.Close()
	if p.top != p.raw {
		p.raw.Close()
	}
	return err
}
