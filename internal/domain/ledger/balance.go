package ledger

// Balance is the signed sum of entries. It is the only definition of an
// account balance; nothing stores a running total.
func Balance(entries []*Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}
