package realtime

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

func gorillaDial(ctx context.Context, urlStr string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
