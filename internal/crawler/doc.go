// Package crawler defines the domain types, error classes and service
// interfaces shared by the photo archive pipeline: pages and their retry
// state, image records and download state, the transactional store contract,
// and the fetch, hash and blob abstractions the workers depend on.
package crawler
