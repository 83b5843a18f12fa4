package locks

import "fmt"

// RowKey names the lock serializing all mutations of one row index.
func RowKey(table string, row int) string {
	return fmt.Sprintf("row:%s:%d", table, row)
}

// RequestKey names the lock serializing operations addressing a row by its
// request number, which covers the append race before an index exists.
func RequestKey(table, requestNumber string) string {
	return fmt.Sprintf("rowkey:%s:%s", table, requestNumber)
}

// CounterKey names the lock serializing a named counter.
func CounterKey(name string) string {
	return "counter:" + name
}
