// Package integration exercises the engines against PostgreSQL, Neo4j and
// Redis in containers. Run with -tags integration.
package integration
