/*Package schema holds the read-only device catalog: devices, schema
versions, topics with their feedback links, and the parameter
definitions the ingestion pipeline evaluates.

The catalog is supplied by the relational store as fully materialized,
already-ordered value objects. Nothing in here lazy-loads.
*/
package schema
