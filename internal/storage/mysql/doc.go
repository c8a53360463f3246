// Package mysql opens the MySQL backed store. Queries live in rdbms; this
// package contributes the driver, pool settings and the dialect (READ
// COMMITTED transactions, duplicate key detection, schema files).
package mysql
