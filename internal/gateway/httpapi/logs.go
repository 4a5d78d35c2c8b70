package httpapi

import (
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/walkingzzzy/office-mcp-sub009/internal/logstore"
)

func (g *Gateway) handleLogQuery(c *okapi.Context) error {
	q := c.Request().URL.Query()

	query := logstore.Query{}
	if lvl := q.Get("level"); lvl != "" {
		level, err := logstore.ParseLevel(lvl)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		query.Level = level
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.AbortBadRequest("since must be RFC 3339")
		}
		query.Since = ts
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		query.Limit = n
	}

	var entries []logstore.Entry
	if module := q.Get("module"); module != "" {
		entries = g.logStore.Get(module, query)
	} else {
		entries = g.logStore.GetAll(query)
	}
	if entries == nil {
		entries = []logstore.Entry{}
	}
	return c.OK(entries)
}

func (g *Gateway) handleLogClear(c *okapi.Context) error {
	module := c.Request().URL.Query().Get("module")
	if module != "" {
		g.logStore.Clear(module)
	} else {
		g.logStore.ClearAll()
	}
	return c.OK(okapi.M{"status": "cleared"})
}
