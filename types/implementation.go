package types

// Implementation identity written into association user information items and
// Part 10 file meta headers.
const (
	GatewayImplementationClassUID    = "1.2.826.0.1.3680043.10.1081.1"
	GatewayImplementationVersionName = "DICOMGW_1.0"
)
