package nsq

import (
	"bufio"
	"bytes"
	"compress/flate"
	"crypto/tls"
	"errors"

	"github.com/golang/snappy"
)

// IdentifyResponse is the JSON object nsqd returns in response to IDENTIFY
// once feature_negotiation is requested (spec.md §3 "negotiated
// features"). Field names match the wire's snake_case via struct tags.
type IdentifyResponse struct {
	MaxRdyCount   int64 `json:"max_rdy_count"`
	TLSv1         bool  `json:"tls_v1"`
	Deflate       bool  `json:"deflate"`
	Snappy        bool  `json:"snappy"`
	MsgTimeout    int64 `json:"msg_timeout"`
	MaxMsgTimeout int64 `json:"max_msg_timeout"`
	AuthRequired  bool  `json:"auth_required"`
}

// negotiateUpgrades inspects an IdentifyResponse and, for every feature
// nsqd agreed to enable, wraps the connection's reader/writer accordingly.
// This is the out-of-core-scope surface spec.md §6 calls out: TLS upgrade
// establishes a real handshake (needed for the connection to remain
// usable at all), while Deflate/Snappy wrap the stream reader/writer the
// same way bitly/go-nsq's upgradeDeflate/upgradeSnappy do.
func (c *Conn) negotiateUpgrades(resp *IdentifyResponse) error {
	conn := c.conn

	if resp.TLSv1 {
		tlsConn := tls.Client(conn, c.config.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return err
		}
		c.tlsConn = tlsConn
		conn = tlsConn
		c.r = tlsConn
		c.w = tlsConn
		if err := c.expectUpgradeOK(); err != nil {
			return err
		}
	}

	if resp.Snappy {
		c.r = snappy.NewReader(conn)
		c.w = snappy.NewBufferedWriter(conn)
		if err := c.expectUpgradeOK(); err != nil {
			return err
		}
	} else if resp.Deflate {
		c.r = flate.NewReader(conn)
		fw, err := flate.NewWriter(conn, c.config.DeflateLevel)
		if err != nil {
			return err
		}
		c.w = fw
		if err := c.expectUpgradeOK(); err != nil {
			return err
		}
	}

	// buffer reads once the final reader stack is settled, mirroring
	// bitly/go-nsq's identify(): bufio wrapping happens only after any
	// TLS/Deflate/Snappy layer is in place.
	c.r = bufio.NewReader(c.r)
	return nil
}

func (c *Conn) expectUpgradeOK() error {
	frameType, data, err := readFrame(c.r)
	if err != nil {
		return err
	}
	if frameType != FrameTypeResponse || !bytes.Equal(data, okBytes) {
		return errors.New("nsq: invalid response to feature upgrade")
	}
	return nil
}
