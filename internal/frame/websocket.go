// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package frame

import "github.com/gorilla/websocket"

// wsConn adapts a *websocket.Conn to BlockTransport. WebSocket already
// preserves message boundaries, so framing here is pass-through: one
// binary message is one block.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebSocket returns a BlockTransport backed by an established
// WebSocket connection. Each block is carried as one binary message.
func NewWebSocket(conn *websocket.Conn) BlockTransport {
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadBlock() ([]byte, error) {
	for {
		mt, p, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return p, nil
	}
}

func (w *wsConn) WriteBlock(p []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
