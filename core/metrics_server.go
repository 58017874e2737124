package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The single instance of the metrics server
var MS *MetricsServer

// Exposes the prometheus counters over http and owns the registry
type MetricsServer struct {

	// To wait until termination
	doneChan chan interface{}

	registry *prometheus.Registry

	httpMetricsServer *http.Server

	// Where the /metrics endpoint is listening, for the test helpers
	metricsURL string
}

// Creates the metrics registry, the counters and the http server, and makes
// the whole thing globally available
func SetupMetrics(bindAddress string, port int) *MetricsServer {

	server := MetricsServer{
		doneChan: make(chan interface{}, 1),
		registry: prometheus.NewRegistry(),
	}

	pm.TrunkMetrics = newTrunkPrometheusMetrics(server.registry)

	mux := new(http.ServeMux)
	mux.Handle("/metrics", promhttp.HandlerFor(server.registry, promhttp.HandlerOpts{}))

	bindAddrPort := fmt.Sprintf("%s:%d", bindAddress, port)
	server.metricsURL = fmt.Sprintf("http://localhost:%d/metrics", port)
	server.httpMetricsServer = &http.Server{
		Addr:              bindAddrPort,
		Handler:           mux,
		IdleTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Listen before returning, so that the endpoint can be scraped as soon
	// as SetupMetrics is done
	listener, err := net.Listen("tcp", bindAddrPort)
	if err != nil {
		GetLogger().Errorf("metrics server error: %s", err)
		close(server.doneChan)
	} else {
		go func() {
			err := server.httpMetricsServer.Serve(listener)
			if !errors.Is(err, http.ErrServerClosed) {
				GetLogger().Errorf("metrics server error: %s", err)
			}
			close(server.doneChan)
		}()
	}

	MS = &server
	return MS
}

// Shuts down the http server
func (ms *MetricsServer) Close() {
	ms.httpMetricsServer.Shutdown(context.Background())
	<-ms.doneChan
}

// Sets all counters to zero, between tests
func (ms *MetricsServer) ResetMetrics() {
	pm.TrunkMetrics.reset()
}

// Helper for testing. Scrapes the /metrics endpoint and returns the value
// reported for the metric with the passed labels
func GetMetricWithLabels(metricName string, labelString string) (string, error) {

	resp, err := http.Get(MS.metricsURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	metricBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	regex, err := regexp.Compile(fmt.Sprintf("%s%s ([0-9\\.]+)", metricName, regexp.QuoteMeta(labelString)))
	if err != nil {
		return "", err
	}

	if match := regex.FindStringSubmatch(string(metricBytes)); len(match) > 1 {
		return match[1], nil
	} else {
		return "", errors.New("metric and label not found")
	}
}
