/*
Package service implements the request pipeline and the client that owns the
shared routing state.

Pipeline:
Every logical operation runs through Pipeline.Execute. Each attempt resolves
a target endpoint from the endpoint manager (or a partition override), stamps
the routing headers and sends through the Transport. The retry policy decides
what happens with the outcome:

	pipeline := service.NewPipeline(
		config.Pipeline,
		manager,
		transport,
		retry.NewPolicy(config.Retry),
		logger,
		service.WithMetrics(set.Pipeline),
		service.WithPartitionFailover(failover),
	)

	resp, err := pipeline.Execute(ctx, req)

Throttled attempts wait for the server's retry-after hint, or an exponential
backoff when there is none, and retry on the same endpoint. Failover retries
move to the next applicable region. A canceled context ends the operation
with RequestCanceled; an expired deadline ends it with RequestTimeout
wrapping the last remote error.

Client:
Client wires the endpoint manager, the partition breaker, the container and
partition key range caches and a pipeline around one Transport:

	client := service.NewClient(cfg, transport, logger,
		service.WithMetricsSet(metrics.NewSetWithRegistry(registry)),
	)
	if err := client.Start(ctx); err != nil {
		// the background refresher keeps retrying
	}
	defer client.Stop()

	resp, err := client.ExecuteItem(ctx, service.ItemRequest{
		ContainerLink: "dbs/db1/colls/orders",
		ItemID:        "order-1",
		PartitionKey:  epk,
		Operation:     domain.OperationRead,
	})

ExecuteItem resolves the partition key range for the item and re-resolves
once when the service reports that the range split or the container was
recreated. Locate answers the same routing question without sending.

Gateway sources:
GatewayTopologySource and GatewayMetadataSource read the account topology
and container metadata from the service itself. The topology source tries
the default endpoint first and then each fallback endpoint; metadata reads go
through the pipeline so they get the same failover and retry handling as
data plane operations.
*/
package service
