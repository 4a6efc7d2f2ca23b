// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal carries what two peers must agree on before their
// pipelines can connect: certificate fingerprints, the DTLS setup
// role, ICE credentials and candidates, and, for plain UDP or TCP
// paths, the peer address.
//
// A [Description] is rendered to and parsed from SDP with pion/sdp.
// Only the attributes the pipeline consumes are produced or read; codec
// and media negotiation are not part of this package.
//
// Descriptions travel through a [Signaler]. Offers and answers are
// keyed by "offerer|target" so each ordered pair of peers has at most
// one outstanding offer and one answer. [MemorySignaler] exchanges them
// in process for tests, [DirectorySignaler] through a shared directory
// for peers on one host or a shared filesystem, and [RedisSignaler]
// through a Redis server for peers on different hosts.
//
// The signaling model is vanilla ICE: every candidate is gathered
// before the description is published, so establishing a connection
// takes exactly one offer/answer round trip.
package signal
