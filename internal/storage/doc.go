// Package storage keeps the operator audit log: delivery attempts, commands,
// and dispatch cycles. It never stores schedule data; the schedule cache is
// rebuilt from the sheet on every refresh.
package storage
