package common

// OwnerTokenHeaderName is the gRPC metadata key carrying the owner's access
// token on admin calls.
const OwnerTokenHeaderName = "access_token"

// TransitTokenHeaderName is the gRPC metadata key carrying a peer host's
// transit token on delivery calls.
const TransitTokenHeaderName = "transit_token"
