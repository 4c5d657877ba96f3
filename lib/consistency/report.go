package consistency

// NodeRowCount compares the rows of one table on one node with the source
type NodeRowCount struct {
	Node        string `json:"node"`
	SourceCount int64  `json:"source_count"`
	NodeCount   int64  `json:"node_count"`
	Missing     bool   `json:"missing,omitempty"`
	Matches     bool   `json:"matches"`
	Error       string `json:"error,omitempty"`
}

// TableRowCounts is the row count comparison of one source table
type TableRowCounts struct {
	Table string `json:"table"`
	// Sharded is true if the table is registered in the key directory. The
	// expected count of a node is then the number of source rows in its key
	// range, otherwise the full source count.
	Sharded bool           `json:"sharded"`
	KeyName string         `json:"key_name,omitempty"`
	Nodes   []NodeRowCount `json:"nodes"`
}

// RowCountReport is the result of Checker.CheckRowCounts
type RowCountReport struct {
	Dataset string           `json:"dataset"`
	Tables  []TableRowCounts `json:"tables"`
}

// OK reports whether every node matches for every table
func (r RowCountReport) OK() bool {
	for _, t := range r.Tables {
		for _, n := range t.Nodes {
			if !n.Matches {
				return false
			}
		}
	}
	return true
}

// Mismatches returns the number of (table, node) pairs that do not match
func (r RowCountReport) Mismatches() int {
	n := 0
	for _, t := range r.Tables {
		for _, c := range t.Nodes {
			if !c.Matches {
				n++
			}
		}
	}
	return n
}

// KeyStatus classifies the key check of one node
type KeyStatus string

const (
	StatusOK KeyStatus = "ok"
	// StatusNodeDuplicates means the node holds the same key more than once,
	// a defect of the node independent of the directory
	StatusNodeDuplicates KeyStatus = "node_duplicates"
	// StatusCountMismatch means the node's distinct keys differ in number from
	// the keys the directory assigns to it
	StatusCountMismatch KeyStatus = "count_mismatch"
	StatusError         KeyStatus = "error"
)

// NodeKeyCount is the key check of one node
type NodeKeyCount struct {
	Node     string    `json:"node"`
	Total    int64     `json:"total"`
	Distinct int64     `json:"distinct"`
	Owned    int64     `json:"owned"`
	Status   KeyStatus `json:"status"`
	// Divergent holds the keys present on exactly one side, only set for
	// StatusCountMismatch
	Divergent []int64 `json:"divergent,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// KeyCountReport is the result of Checker.CheckKeyCounts
type KeyCountReport struct {
	Dataset        string         `json:"dataset"`
	KeyName        string         `json:"key_name"`
	Table          string         `json:"table"`
	DirectoryTable string         `json:"directory_table"`
	Nodes          []NodeKeyCount `json:"nodes"`
}

// OK reports whether every node passed
func (r KeyCountReport) OK() bool {
	for _, n := range r.Nodes {
		if n.Status != StatusOK {
			return false
		}
	}
	return true
}
