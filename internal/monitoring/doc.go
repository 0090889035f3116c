/*
Package monitoring exports kernel counters to Prometheus.

# Overview

Each Metrics owns a private registry. Counters kept by the kernel packages
(koids, handles, page faults, channel traffic, interrupts) are read at scrape
time through CounterFunc and GaugeFunc collectors, so the hot paths only
touch atomics. Syscalls are timed by the dispatcher.

# Usage

	metrics := monitoring.NewMetrics(vm.DefaultFramePool())
	timer := monitoring.NewTimer(metrics, "channel_write")
	status := timer.Stop(err)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
