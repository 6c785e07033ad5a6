package retry

import (
	"net/http"
	"strconv"
	"strings"
)

// SubStatusCode refines an HTTP status returned by the service. The same
// number can mean different things under different statuses, e.g. 1002 is
// ReadSessionNotAvailable under 404 and PartitionKeyRangeGone under 410.
type SubStatusCode uint32

const (
	SubStatusUnknown                      SubStatusCode = 0
	SubStatusWriteForbidden               SubStatusCode = 3
	SubStatusNameCacheStale               SubStatusCode = 1000
	SubStatusReadSessionNotAvailable      SubStatusCode = 1002
	SubStatusPartitionKeyRangeGone        SubStatusCode = 1002
	SubStatusCompletingSplitOrMerge       SubStatusCode = 1007
	SubStatusCompletingPartitionMigration SubStatusCode = 1008
	SubStatusDatabaseAccountNotFound      SubStatusCode = 1008
	SubStatusLeaseNotFound                SubStatusCode = 1022
	SubStatusThrottleDueToSplit           SubStatusCode = 3088
	SubStatusSystemResourceUnavailable    SubStatusCode = 3092
	SubStatusRUBudgetExceeded             SubStatusCode = 3200
	SubStatusGatewayThrottled             SubStatusCode = 3201
	SubStatusTransportGenerated503        SubStatusCode = 20003
)

// Status is an HTTP status paired with its sub-status.
type Status struct {
	Code      int
	SubStatus SubStatusCode
}

// ParseSubStatus reads the sub-status header value. An absent or malformed
// value yields SubStatusUnknown.
func ParseSubStatus(value string) SubStatusCode {
	value = strings.TrimSpace(value)
	if value == "" {
		return SubStatusUnknown
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return SubStatusUnknown
	}
	return SubStatusCode(n)
}

// IsError reports a status the service returned as a failure (4xx or 5xx)
func (s Status) IsError() bool {
	return s.Code >= http.StatusBadRequest
}

// IsThrottled reports a 429 of any sub-status
func (s Status) IsThrottled() bool {
	return s.Code == http.StatusTooManyRequests
}

// IsServiceUnavailable reports a 503, including ones the transport generated
func (s Status) IsServiceUnavailable() bool {
	return s.Code == http.StatusServiceUnavailable
}

// IsInternalServerError reports a 500
func (s Status) IsInternalServerError() bool {
	return s.Code == http.StatusInternalServerError
}

// IsGone reports a 410 of any sub-status
func (s Status) IsGone() bool {
	return s.Code == http.StatusGone
}

// IsLeaseNotFound reports a 410 raised when the serving replica lost its
// lease. The request can go to another region.
func (s Status) IsLeaseNotFound() bool {
	return s.IsGone() && s.SubStatus == SubStatusLeaseNotFound
}

// IsWriteForbidden reports a 403 sent by a region that no longer accepts
// writes.
func (s Status) IsWriteForbidden() bool {
	return s.Code == http.StatusForbidden && s.SubStatus == SubStatusWriteForbidden
}

// IsDatabaseAccountNotFound reports a 403 sent by a region that was removed
// from the account.
func (s Status) IsDatabaseAccountNotFound() bool {
	return s.Code == http.StatusForbidden && s.SubStatus == SubStatusDatabaseAccountNotFound
}

// IsReadSessionNotAvailable reports a 404 sent by a region that has not yet
// caught up with the caller's session.
func (s Status) IsReadSessionNotAvailable() bool {
	return s.Code == http.StatusNotFound && s.SubStatus == SubStatusReadSessionNotAvailable
}

// IsNameCacheStale reports a 404 caused by a container that was deleted and
// recreated under the same name.
func (s Status) IsNameCacheStale() bool {
	return s.Code == http.StatusNotFound && s.SubStatus == SubStatusNameCacheStale
}

// IsPartitionTopologyChange reports a 410 that means the partition key
// range moved: a split, merge or migration. The routing map must be
// refreshed before retrying.
func (s Status) IsPartitionTopologyChange() bool {
	if !s.IsGone() {
		return false
	}
	switch s.SubStatus {
	case SubStatusPartitionKeyRangeGone, SubStatusCompletingSplitOrMerge, SubStatusCompletingPartitionMigration:
		return true
	default:
		return false
	}
}

// Name returns a readable name for the status pair, or "" when the
// sub-status is not one this package knows.
func (s Status) Name() string {
	switch {
	case s.IsWriteForbidden():
		return "WriteForbidden"
	case s.IsDatabaseAccountNotFound():
		return "DatabaseAccountNotFound"
	case s.IsReadSessionNotAvailable():
		return "ReadSessionNotAvailable"
	case s.IsLeaseNotFound():
		return "LeaseNotFound"
	case s.IsGone() && s.SubStatus == SubStatusPartitionKeyRangeGone:
		return "PartitionKeyRangeGone"
	case s.IsGone() && s.SubStatus == SubStatusCompletingSplitOrMerge:
		return "CompletingSplitOrMerge"
	case s.IsGone() && s.SubStatus == SubStatusCompletingPartitionMigration:
		return "CompletingPartitionMigration"
	case s.IsNameCacheStale():
		return "NameCacheStale"
	case s.IsThrottled() && s.SubStatus == SubStatusRUBudgetExceeded:
		return "RUBudgetExceeded"
	case s.IsThrottled() && s.SubStatus == SubStatusGatewayThrottled:
		return "GatewayThrottled"
	case s.IsThrottled() && s.SubStatus == SubStatusThrottleDueToSplit:
		return "ThrottleDueToSplit"
	case s.IsThrottled() && s.SubStatus == SubStatusSystemResourceUnavailable:
		return "SystemResourceUnavailable"
	case s.IsServiceUnavailable() && s.SubStatus == SubStatusTransportGenerated503:
		return "TransportGenerated503"
	default:
		return ""
	}
}

// String formats the pair as "503/20003 (TransportGenerated503)".
func (s Status) String() string {
	out := strconv.Itoa(s.Code) + "/" + strconv.FormatUint(uint64(s.SubStatus), 10)
	if name := s.Name(); name != "" {
		out += " (" + name + ")"
	}
	return out
}
