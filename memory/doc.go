// Package memory stores chat messages as vector-indexed records and
// retrieves them by meaning.
//
// A message goes through two phases. RecordNewMessage embeds the text and
// persists a provisional record that is only reachable through the Handle
// returned to the caller. Once the transport has delivered the message and
// assigned it an id, ConfirmDelivery links that id to the record so later
// corrections can find it by (owner, message id).
//
// Architecture:
//   - RecordStore: durable record and (owner, message id) lookup storage
//   - VectorIndex: filtered k-nearest-neighbor search over embeddings
//   - Embedder: text-to-vector conversion, retried with a fixed pause
//   - Manager: create, confirm, correct, sweep and reindex records
//   - Retriever: owner-scoped semantic search
//   - Approvals: markers for transcriptions awaiting user confirmation
//
// Backends live in sub-packages:
//   - store/redis, store/badger
//   - index/chromem, index/redisearch, index/qdrant, index/flat
//   - embedder/mock, embedder/cached, embedder/fastembed, embedder/onnx
package memory
