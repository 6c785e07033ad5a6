/*
Package domain contains the core routing entities and the interfaces of the
collaborators the router talks to.

The package is independent of transport, caching and configuration concerns
so the routing and retry logic built on top of it stays testable in
isolation.

Key Components:

Regions and Endpoints:
An account is served from one or more regions. Each region exposes a regional
endpoint URL and acts as a read region, a write region, or both. The account
topology is fetched from the service and describes the current roles:

	topology := &domain.AccountTopology{
		WriteRegions: []domain.AccountRegion{{Name: "West US", Endpoint: "https://acct-westus.example.com/"}},
		ReadRegions: []domain.AccountRegion{
			{Name: "West US", Endpoint: "https://acct-westus.example.com/"},
			{Name: "East US", Endpoint: "https://acct-eastus.example.com/"},
		},
	}

Operations:
OperationInfo classifies a request once per logical call. The read-only flag
decides which endpoint list applies, the metadata flag selects the smaller
retry budget and the multi-write flag lets writes use preferred regions:

	op := domain.NewOperationInfo(domain.OperationRead, domain.ResourceDocuments)
	if op.ReadOnly {
		// read endpoints apply
	}

Routing State:
RoutingState is owned by exactly one logical call. It records which preferred
location the next attempt should use and every endpoint already contacted.

Partition Key Ranges:
A container is split into partition key ranges covering the effective
partition key space from "" (inclusive) to "FF" (exclusive). Effective
partition keys compare byte-wise, so plain string ordering is the key order.

	r := domain.PartitionKeyRange{ID: "1", MinInclusive: "33", MaxExclusive: "66"}
	r.Contains("50") // true

Collaborators:
Transport sends one attempt to one endpoint. TopologySource and
MetadataSource load the account topology and container metadata the caches
hold. All three take a context and must honour its cancellation.
*/
package domain
