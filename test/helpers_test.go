package test

import (
	"io"
	"net/http/httptest"
	"testing"

	"gsus/metrics"
	"gsus/server"
)

func serverReady(ch chan struct{}) server.Option {
	return server.WithReady(func(string) { close(ch) })
}

func scrape(tb testing.TB, rec *metrics.Recorder) string {
	tb.Helper()
	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		tb.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		tb.Fatal(err)
	}
	return string(body)
}
