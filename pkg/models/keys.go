package models

import "strings"

// Collection key prefixes. A member key is the prefix followed by its ID.
const (
	CollectionReport         = "report_"
	CollectionReportActions  = "reportActions_"
	CollectionReportMetadata = "reportMetadata_"
	CollectionPolicy         = "policy_"
)

// Single-value keys.
const (
	KeyBetas                = "betas"
	KeyIsLoadingReportData  = "isLoadingReportData"
	KeyWorkspaceRateAndUnit = "workspaceRateAndUnit"
)

var collections = []string{
	CollectionReport,
	CollectionReportActions,
	CollectionReportMetadata,
	CollectionPolicy,
}

func ReportKey(reportID string) string         { return CollectionReport + reportID }
func ReportActionsKey(reportID string) string  { return CollectionReportActions + reportID }
func ReportMetadataKey(reportID string) string { return CollectionReportMetadata + reportID }
func PolicyKey(policyID string) string         { return CollectionPolicy + policyID }

// SplitCollectionKey returns the collection prefix and member ID of key.
func SplitCollectionKey(key string) (collection, id string, ok bool) {
	for _, prefix := range collections {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return prefix, key[len(prefix):], true
		}
	}
	return "", "", false
}

// IsCollectionKey reports whether key names a whole collection.
func IsCollectionKey(key string) bool {
	for _, prefix := range collections {
		if key == prefix {
			return true
		}
	}
	return false
}
