package domain

import (
	"time"
)

// RegionName identifies an account region, e.g. "West US 2".
type RegionName string

// EndpointRole describes what a regional endpoint may serve
type EndpointRole int

const (
	// RoleRead marks an endpoint that serves reads only
	RoleRead EndpointRole = iota
	// RoleWrite marks an endpoint that serves writes only
	RoleWrite
	// RoleReadWrite marks an endpoint that serves both
	RoleReadWrite
)

// String returns the string representation of EndpointRole
func (r EndpointRole) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	case RoleReadWrite:
		return "read_write"
	default:
		return "unknown"
	}
}

// RequestOperation is the class of traffic an availability mark applies to.
type RequestOperation int

const (
	// RequestOperationNone marks nothing
	RequestOperationNone RequestOperation = 0
	// RequestOperationRead applies to reads
	RequestOperationRead RequestOperation = 1
	// RequestOperationWrite applies to writes
	RequestOperationWrite RequestOperation = 2
	// RequestOperationAll applies to both reads and writes
	RequestOperationAll = RequestOperationRead | RequestOperationWrite
)

// Includes reports whether o covers every bit of other
func (o RequestOperation) Includes(other RequestOperation) bool {
	return other != RequestOperationNone && o&other == other
}

// String returns the string representation of RequestOperation
func (o RequestOperation) String() string {
	switch o {
	case RequestOperationRead:
		return "read"
	case RequestOperationWrite:
		return "write"
	case RequestOperationAll:
		return "all"
	default:
		return "none"
	}
}

// Endpoint is a regional endpoint URL and the region that serves it
type Endpoint struct {
	Region RegionName `json:"region"`
	URL    string     `json:"url"`
}

// EndpointStatus is a point-in-time view of one endpoint, used for
// diagnostics.
type EndpointStatus struct {
	Region           RegionName       `json:"region"`
	URL              string           `json:"url"`
	Role             EndpointRole     `json:"-"`
	RoleName         string           `json:"role"`
	UnavailableFor   RequestOperation `json:"-"`
	Unavailable      string           `json:"unavailable_for,omitempty"`
	UnavailableUntil *time.Time       `json:"unavailable_until,omitempty"`
}

// AccountRegion is one entry of the account's readable or writable
// location lists.
type AccountRegion struct {
	Name     RegionName `json:"name"`
	Endpoint string     `json:"databaseAccountEndpoint"`
}

// AccountTopology is the account's current regional layout as reported by
// the service.
type AccountTopology struct {
	WriteRegions                 []AccountRegion `json:"writableLocations"`
	ReadRegions                  []AccountRegion `json:"readableLocations"`
	EnableMultipleWriteLocations bool            `json:"enableMultipleWriteLocations"`
}

// OperationType is the kind of operation a request performs
type OperationType int

const (
	OperationRead OperationType = iota
	OperationReadFeed
	OperationQuery
	OperationQueryPlan
	OperationHead
	OperationHeadFeed
	OperationCreate
	OperationReplace
	OperationUpsert
	OperationDelete
	OperationPatch
	OperationBatch
	OperationExecute
)

var operationNames = map[OperationType]string{
	OperationRead:      "read",
	OperationReadFeed:  "read_feed",
	OperationQuery:     "query",
	OperationQueryPlan: "query_plan",
	OperationHead:      "head",
	OperationHeadFeed:  "head_feed",
	OperationCreate:    "create",
	OperationReplace:   "replace",
	OperationUpsert:    "upsert",
	OperationDelete:    "delete",
	OperationPatch:     "patch",
	OperationBatch:     "batch",
	OperationExecute:   "execute",
}

// String returns the string representation of OperationType
func (o OperationType) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOperationType returns the operation named name
func ParseOperationType(name string) (OperationType, bool) {
	for op, n := range operationNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// IsReadOnly reports whether the operation never mutates state
func (o OperationType) IsReadOnly() bool {
	switch o {
	case OperationRead, OperationReadFeed, OperationQuery, OperationQueryPlan,
		OperationHead, OperationHeadFeed:
		return true
	default:
		return false
	}
}

// ResourceType is the kind of resource a request addresses
type ResourceType int

const (
	ResourceDocuments ResourceType = iota
	ResourceDatabaseAccount
	ResourceDatabases
	ResourceContainers
	ResourcePartitionKeyRanges
	ResourceStoredProcedures
	ResourceTriggers
	ResourceUserDefinedFunctions
	ResourceOffers
)

var resourceNames = map[ResourceType]string{
	ResourceDocuments:            "docs",
	ResourceDatabaseAccount:      "account",
	ResourceDatabases:            "dbs",
	ResourceContainers:           "colls",
	ResourcePartitionKeyRanges:   "pkranges",
	ResourceStoredProcedures:     "sprocs",
	ResourceTriggers:             "triggers",
	ResourceUserDefinedFunctions: "udfs",
	ResourceOffers:               "offers",
}

// String returns the string representation of ResourceType
func (r ResourceType) String() string {
	if name, ok := resourceNames[r]; ok {
		return name
	}
	return "unknown"
}

// IsDataPlane reports whether an operation of type op on r is a data-plane
// operation. Everything else is metadata.
func (r ResourceType) IsDataPlane(op OperationType) bool {
	return r == ResourceDocuments || (r == ResourceStoredProcedures && op == OperationExecute)
}

// OperationInfo is the classification of one logical operation
type OperationInfo struct {
	Operation       OperationType
	Resource        ResourceType
	ReadOnly        bool
	Metadata        bool
	MultiWrite      bool
	ExcludedRegions []RegionName
}

// NewOperationInfo classifies an operation. MultiWrite is left false; only
// the endpoint manager knows whether the account allows it.
func NewOperationInfo(op OperationType, resource ResourceType) OperationInfo {
	return OperationInfo{
		Operation: op,
		Resource:  resource,
		ReadOnly:  op.IsReadOnly(),
		Metadata:  !resource.IsDataPlane(op),
	}
}

// RequestOperation returns the availability class this operation falls in
func (o OperationInfo) RequestOperation() RequestOperation {
	if o.ReadOnly {
		return RequestOperationRead
	}
	return RequestOperationWrite
}

// RoutingState is the per-call routing cursor. It is owned by exactly one
// logical operation and never shared.
type RoutingState struct {
	LocationIndex         int
	UsePreferredLocations bool
	ResolvedEndpoint      string
	tried                 []string
}

// NewRoutingState returns the state a fresh call starts from
func NewRoutingState() *RoutingState {
	return &RoutingState{UsePreferredLocations: true}
}

// Resolve records the endpoint the next attempt goes to
func (s *RoutingState) Resolve(endpoint string) {
	s.ResolvedEndpoint = endpoint
	for _, t := range s.tried {
		if t == endpoint {
			return
		}
	}
	s.tried = append(s.tried, endpoint)
}

// Tried returns the distinct endpoints contacted so far, in order
func (s *RoutingState) Tried() []string {
	return append([]string(nil), s.tried...)
}

// MoveNext advances to the next preferred location
func (s *RoutingState) MoveNext() {
	s.LocationIndex++
}

// RouteToWriteEndpoint sends the following attempts to the account's
// write endpoint at the given index instead of the preferred list.
func (s *RoutingState) RouteToWriteEndpoint(index int) {
	s.UsePreferredLocations = false
	s.LocationIndex = index
}
