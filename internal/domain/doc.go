// Package domain models Geotab Ignition "Hazardous Driving Areas" data.
//
// # Data Source
//
// Hazardous driving areas are published by Geotab in the public intelligence
// project (projectId "geotab-public-intelligence") as the BigQuery-backed
// table UrbanInfrastructure.HazardousDrivingAreas. Ignition exposes that
// table through an asynchronous query-job API: a job is created with SQL
// text, polled until it leaves RUNNING, and its rows fetched in a single
// capped request (maxResults, 50000 by default).
//
// # Wire Conventions
//
// Result rows use the BigQuery REST shape:
//
//	{"apiResponse": {"rows": [{"f": [{"v": "dp3wjz"}, {"v": "41.85"}, ...]}], "totalRows": "2"}}
//
// Every cell is a {"v": scalar} envelope and most scalars arrive as strings,
// including numbers. Column order is positional and fixed by the table:
//
//	geohash, geohash_bounds, latitude_sw, longitude_sw, latitude_ne,
//	longitude_ne, location, latitude, longitude, city, county, state,
//	country, iso_3166_2, severity_score, incidents_total, update_date, version
//
// # Coordinates
//
// The six bounding-box and centroid coordinates are rounded to 5 decimal
// places (about 1.1 m at the equator). Upstream values occasionally carry
// floating-point noise such as -97.12345600000001.
//
// # Partitioning
//
// A job returns at most maxResults rows and silently drops the rest. Regions
// (US states) whose data exceeds the cap are split by a sub-key column,
// normally County, using a "select distinct" job to enumerate the values.
// Which regions are split is configuration; see [PartitionPolicy].
//
// # Tokens
//
// The Ignition web login emits a request body of the form "token=<value>".
// Providers hand that raw string over unchanged and [NewSession] strips the
// fixed "token=" prefix before it is sent as a form field.
package domain
