package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"midici-pe-engine/ci"
	"midici-pe-engine/config"
	"midici-pe-engine/discovery"
	"midici-pe-engine/initiator"
	"midici-pe-engine/logging"
	"midici-pe-engine/metrics"
	"midici-pe-engine/resource"
	"midici-pe-engine/responder"
	"midici-pe-engine/trace"
	"midici-pe-engine/transport"
)

// korgIdentity stands in for the local device's identity; a real host
// process would read this from its own firmware/product metadata.
func korgIdentity() ci.DeviceIdentity {
	return ci.DeviceIdentity{
		Manufacturer: ci.StandardManufacturerID(0x42),
		FamilyID:     0x6B,
		ModelID:      0x01,
		VersionID:    0x01020304,
	}
}

func main() {
	cfg := config.Load()
	logMgr := logging.New()
	traceBuf := trace.New(cfg.TraceCapacity)

	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)

	initTp, respTp := transport.CreatePair("local-initiator", "local-responder")

	disco := discovery.New(korgIdentity(), ci.CategoryPropertyExchange, respTp, discovery.Options{
		Logger:  logMgr,
		Metrics: mx,
	})
	resp := responder.New(disco.MUID(), respTp, responder.Options{
		Trace:     traceBuf,
		Logger:    logMgr,
		Metrics:   mx,
		Discovery: disco,
	})
	resp.RegisterResource("DeviceInfo", resource.NewStatic("DeviceInfo", []byte(`{"manufacturer":"KORG Inc.","model":"Module Pro"}`)))
	resp.RegisterResource("Volume", resource.NewMemory("Volume", []byte(`{"level":80}`)))
	resp.Start()
	defer resp.Stop()

	initMgr := initiator.New(discovery.NewMUID(), initTp, initiator.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxConcurrency: cfg.DeviceConcurrency,
		Trace:          traceBuf,
		Logger:         logMgr,
		Metrics:        mx,
	})
	initMgr.RegisterDevice(disco.MUID(), transport.DestinationID("local-responder"))
	initMgr.Start()
	defer initMgr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := initMgr.Get(ctx, disco.MUID(), "DeviceInfo", cfg.RequestTimeout)
	if err != nil {
		logMgr.Log("RequestFailed", logrus.ErrorLevel, byte(0), disco.MUID().String(), "DeviceInfo", err.Error())
	} else {
		fmt.Printf("DeviceInfo: %s\n", info.Body)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	port := os.Getenv("PE_METRICS_PORT")
	if port == "" {
		port = "9090"
	}
	log.Printf("serving metrics on :%s/metrics", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatalf("metrics server: %v", err)
	}
}
