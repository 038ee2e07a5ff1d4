// Package oasmux aggregates multiple OpenAPI 2.0 (Swagger) services into one
// unified API description and proxies calls on the unified surface to the
// correct upstream service.
//
// # Overview
//
// The library consists of the following primary packages:
//
//   - config: load and substitute the aggregation configuration
//   - registry: fetch and cache each upstream's swagger document
//   - merger: merge upstream documents into one aggregated document and
//     build the operation binding table
//   - dispatch: resolve an operation identifier to a concrete upstream call,
//     forward the request, and redact response fields
//   - retry: bounded exponential backoff for transient network failures
//   - aggregator: orchestrate aggregation passes and publish atomic snapshots
//   - server: HTTP layer exposing the aggregated document and routing
//     inbound calls to the dispatcher
//
// # Quick Start
//
// Run a one-shot aggregation and write the merged document:
//
//	cfg, err := config.Load("aggregate.yaml", "http://users:8080", "http://billing:8080")
//	if err != nil {
//		log.Fatal(err)
//	}
//	agg := aggregator.New(cfg)
//	if _, err := agg.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	if err := agg.WriteSpec(filepath.Dir("aggregate.yaml")); err != nil {
//		log.Fatal(err)
//	}
//
// Dispatch a call on the aggregated surface:
//
//	snap := agg.Snapshot()
//	d := dispatch.New(snap.Bindings,
//		dispatch.WithFieldExclusions(cfg.ExcludeFields),
//		dispatch.WithSchemaResolver(schemaname.NewStructuralResolver(snap.Spec.UnfilteredDefinitions())))
//	payload, status, err := d.Dispatch(context.Background(), dispatch.Request{
//		OperationID: "getUsersId",
//		PathParams:  map[string]string{"id": "42"},
//	})
//
// The aggregated document is serialized as swagger.yaml and contains every
// surviving operation with its operationId rewritten to the synthetic
// dispatch token.
package oasmux
