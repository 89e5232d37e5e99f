package main

import (
	"context"
	"time"

	"github.com/matst80/muxgate/internal/gateway"
	"github.com/matst80/muxgate/internal/session"
)

// Stats represents current gateway state for the API.
type Stats struct {
	Sessions       []gateway.SessionInfo `json:"sessions"`
	Upstreams      int                   `json:"upstreams"`
	StoredSessions int                   `json:"stored_sessions"`
	Now            string                `json:"now"`
}

func collectStats(ctx context.Context, srv *gateway.Server, store session.Store) Stats {
	st := Stats{Sessions: srv.Sessions(), StoredSessions: -1, Now: time.Now().UTC().Format(time.RFC3339)}
	for _, s := range st.Sessions {
		st.Upstreams += s.Upstreams
	}
	if n, err := store.Len(ctx); err == nil {
		st.StoredSessions = n
	}
	return st
}
