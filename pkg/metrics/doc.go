/*
Package metrics defines the Prometheus instrumentation for CyRIS.

All metrics are registered on the default registerer at package init and
updated from the operation registry, the task executor, the image builder
and the IP resolver. CyRIS itself exposes no scrape endpoint (there is no
HTTP surface); embedders that want one can mount promhttp.Handler().

Catalog:

	cyris_ranges_total{status}               ranges by lifecycle status
	cyris_operations_total{kind,outcome}     ledger records by kind and outcome
	cyris_operation_duration_seconds{kind}   operation latency
	cyris_task_results_total{type,outcome}   guest task results
	cyris_image_builds_total                 virt-builder invocations
	cyris_image_cache_hits_total             builds served from the qcow2 cache
	cyris_ssh_retries_total                  transient SSH retries
	cyris_ip_resolutions_total{method,outcome}  resolver outcomes per method
*/
package metrics
