// Package mysql holds the MySQL plumbing shared by the durable stores: the
// connection pool setup and the embedded schema migrations under
// deploy/migrations. The audit log and the async job store both open their
// database through this package.
package mysql
