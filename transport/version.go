package transport

// ClientLabel identifies this client in the websocket handshake.
const ClientLabel = "driverlink"

// Version is the client's semantic version, advertised during the websocket
// handshake as major.minor.build. The remote endpoint may reject clients
// whose major.minor it does not support.
const Version = "0.4.2"
