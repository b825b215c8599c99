// Package adapter exposes the consensus-driver-facing request loop: one
// call per lifecycle phase (Info, InitChain, CheckTx, PrepareProposal,
// ProcessProposal, ExtendVote, VerifyVoteExtension, FinalizeBlock, Commit,
// Query), each translating its request into one or more router dispatches
// and folding the results back into a plain Go response struct. No wire
// framing lives here; a transport-specific server sits in front of this.
//
// The adapter itself contains no business rules: transaction decoding,
// ante validation, begin/end-block work, and every message handler are
// guests, located through the router by their component kind.
package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/helium/pkg/events"
	"github.com/cuemby/helium/pkg/log"
	"github.com/cuemby/helium/pkg/metrics"
	"github.com/cuemby/helium/pkg/router"
	"github.com/cuemby/helium/pkg/vfs"
)

// ErrUnsupportedSigner rejects transactions carrying the "multi" signer
// mode, which the host does not support.
var ErrUnsupportedSigner = fmt.Errorf("adapter: multi-signer transactions are unsupported")

// TxResult is the outcome of checking or finalizing a single transaction.
type TxResult struct {
	Code     int32
	Log      string
	GasUsed  uint64
	GasLimit uint64
	Events   []events.Event
}

// InfoResponse answers the Info call with the adapter's current view of
// chain state.
type InfoResponse struct {
	AppName     string
	Version     string
	LastHeight  int64
	LastAppHash []byte
}

// InitChainRequest carries genesis material for InitChain. AppStateBytes
// is a JSON object keyed by module name; each module's section is handed
// to its init_genesis export.
type InitChainRequest struct {
	ChainID       string
	InitialHeight int64
	AppStateBytes []byte
}

// InitChainResponse is returned once genesis modules have run.
type InitChainResponse struct {
	AppHash []byte
}

// FinalizeBlockRequest carries a decided block's transactions.
type FinalizeBlockRequest struct {
	Height int64
	Time   int64
	Txs    [][]byte
}

// FinalizeBlockResponse bundles per-tx results and the events accumulated
// over the block.
type FinalizeBlockResponse struct {
	TxResults []TxResult
	Events    []events.Event
}

// QueryRequest carries a read-only state query. The leading path segment
// names the target module.
type QueryRequest struct {
	Path   string
	Data   []byte
	Height int64
}

// QueryResponse is the result of a Query call.
type QueryResponse struct {
	Code  uint32
	Log   string
	Value []byte
}

// ProposalStatus is ProcessProposal's accept/reject verdict.
type ProposalStatus int

const (
	ProposalAccept ProposalStatus = iota
	ProposalReject
)

// VoteExtensionStatus is VerifyVoteExtension's accept/reject verdict.
type VoteExtensionStatus int

const (
	VoteExtensionAccept VoteExtensionStatus = iota
	VoteExtensionReject
)

// txEnvelope is the canonical decoded transaction: the message's type URL,
// its payload, and the signer mode the transaction was framed with. The
// tx-decoder guest validates raw bytes into this shape; the host parses it
// to route the message.
type txEnvelope struct {
	TypeURL    string `json:"type_url"`
	Value      []byte `json:"value"`
	SignerMode string `json:"signer_mode,omitempty"`
}

// blockHeader is the payload the begin/end-blocker guests receive.
type blockHeader struct {
	Height  int64  `json:"height"`
	Time    int64  `json:"time"`
	ChainID string `json:"chain_id"`
}

// Adapter drives one router through a block's lifecycle, accumulating
// events per block. One driver-facing loop calls it; a single mutex covers
// the height/app-hash/event state.
type Adapter struct {
	mu sync.Mutex

	router *router.Router
	vfsRef *vfs.VFS
	broker *events.Broker

	chainID string
	height  int64
	appHash []byte

	blockEvents []events.Event
}

// New creates an adapter driving r, overlaying vfsRef for non-durable
// modes, and publishing finalized events to broker (may be nil).
func New(r *router.Router, vfsRef *vfs.VFS, broker *events.Broker) *Adapter {
	return &Adapter{router: r, vfsRef: vfsRef, broker: broker}
}

// Info reports the adapter's name, version, and last-seen height/app hash.
func (a *Adapter) Info() InfoResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return InfoResponse{
		AppName:     "helium",
		Version:     "1",
		LastHeight:  a.height,
		LastAppHash: append([]byte(nil), a.appHash...),
	}
}

// InitChain runs once at genesis: initializes every registered module in
// dependency order, then routes each module's genesis section to its
// init_genesis export.
func (a *Adapter) InitChain(req InitChainRequest) (InitChainResponse, error) {
	a.mu.Lock()
	a.chainID = req.ChainID
	a.mu.Unlock()

	if err := a.router.InitializeAll(); err != nil {
		return InitChainResponse{}, fmt.Errorf("adapter: init chain: %w", err)
	}

	if len(req.AppStateBytes) > 0 {
		var sections map[string]json.RawMessage
		if err := json.Unmarshal(req.AppStateBytes, &sections); err != nil {
			return InitChainResponse{}, fmt.Errorf("adapter: parse genesis state: %w", err)
		}
		for module, section := range sections {
			res, err := a.router.Invoke(a.vfsRef, module, "init_genesis", section, router.ExecModeFinalize)
			if err != nil {
				return InitChainResponse{}, fmt.Errorf("adapter: genesis for %s: %w", module, err)
			}
			if res.Code != 0 {
				return InitChainResponse{}, fmt.Errorf("adapter: genesis for %s returned code %d", module, res.Code)
			}
		}
	}

	hash, err := a.vfsRef.StateHash()
	if err != nil {
		return InitChainResponse{}, fmt.Errorf("adapter: genesis state hash: %w", err)
	}

	a.mu.Lock()
	a.height = req.InitialHeight
	if a.height == 0 {
		a.height = 1
	}
	a.appHash = hash
	a.mu.Unlock()

	return InitChainResponse{AppHash: hash}, nil
}

// decodeTx runs the tx-decoder guest (when installed) over the raw bytes,
// then parses the canonical envelope. Multi-signer transactions are
// rejected outright.
func (a *Adapter) decodeTx(tx []byte, mode router.ExecMode) (txEnvelope, error) {
	if decoder, ok := a.router.FindByKind(router.ComponentTxDecoder); ok {
		res, err := a.router.Invoke(a.vfsRef, decoder, "decode_tx", tx, mode)
		if err != nil {
			return txEnvelope{}, fmt.Errorf("adapter: tx decoder: %w", err)
		}
		if res.Code != 0 {
			return txEnvelope{}, fmt.Errorf("adapter: tx decoder rejected transaction (code %d)", res.Code)
		}
	}

	var env txEnvelope
	if err := json.Unmarshal(tx, &env); err != nil {
		return txEnvelope{}, fmt.Errorf("adapter: malformed transaction: %w", err)
	}
	if env.SignerMode == "multi" {
		return txEnvelope{}, ErrUnsupportedSigner
	}
	if env.TypeURL == "" {
		return txEnvelope{}, fmt.Errorf("adapter: transaction missing type_url")
	}
	return env, nil
}

// dispatchTx decodes tx, runs the ante handler (when installed), and
// routes the message under mode. Per-tx failures are reported in the
// TxResult, never as a Go error; errors are reserved for host faults.
func (a *Adapter) dispatchTx(tx []byte, mode router.ExecMode) TxResult {
	env, err := a.decodeTx(tx, mode)
	if err != nil {
		return TxResult{Code: 1, Log: err.Error()}
	}

	var gasUsed uint64
	if ante, ok := a.router.FindByKind(router.ComponentAnteHandler); ok {
		res, err := a.router.Invoke(a.vfsRef, ante, "ante_handle", tx, mode)
		if err != nil {
			return TxResult{Code: 1, Log: fmt.Sprintf("ante handler: %v", err)}
		}
		gasUsed += res.GasUsed
		if res.Code != 0 {
			return TxResult{Code: res.Code, Log: "ante handler rejected transaction", GasUsed: gasUsed}
		}
	}

	res, err := a.router.Dispatch(a.vfsRef, router.ExecutionContext{
		MessageType:  env.TypeURL,
		MessageBytes: env.Value,
		TxContext:    tx,
		ExecMode:     mode,
	})
	if err != nil {
		return TxResult{Code: 1, Log: err.Error(), GasUsed: gasUsed}
	}
	return TxResult{Code: res.Code, GasUsed: gasUsed + res.GasUsed}
}

// CheckTx validates a transaction for mempool admission without
// persisting any state changes.
func (a *Adapter) CheckTx(tx []byte, recheck bool) (TxResult, error) {
	mode := router.ExecModeCheck
	if recheck {
		mode = router.ExecModeReCheck
	}
	metrics.TxProcessed.WithLabelValues("check").Inc()
	return a.dispatchTx(tx, mode), nil
}

// Simulate estimates a transaction's gas cost without persisting state.
func (a *Adapter) Simulate(tx []byte) (TxResult, error) {
	return a.dispatchTx(tx, router.ExecModeSimulate), nil
}

// PrepareProposal runs each candidate transaction through a non-durable
// dispatch and drops any that fail.
func (a *Adapter) PrepareProposal(txs [][]byte) ([][]byte, error) {
	var kept [][]byte
	for _, tx := range txs {
		if res := a.dispatchTx(tx, router.ExecModePrepareProposal); res.Code == 0 {
			kept = append(kept, tx)
		}
	}
	return kept, nil
}

// ProcessProposal re-validates a proposed block's transactions
// non-durably, rejecting the whole proposal if any transaction fails.
func (a *Adapter) ProcessProposal(txs [][]byte) (ProposalStatus, error) {
	for _, tx := range txs {
		if res := a.dispatchTx(tx, router.ExecModeProcessProposal); res.Code != 0 {
			return ProposalReject, nil
		}
	}
	return ProposalAccept, nil
}

// ExtendVote lets modules registered against the vote_extension endpoint
// contribute precommit data; the extension payload itself travels through
// module state, so the host returns only an empty marker when no module is
// registered.
func (a *Adapter) ExtendVote(height int64) ([]byte, error) {
	mods := a.router.Endpoint("vote_extension")
	if len(mods) == 0 {
		return nil, nil
	}
	header, _ := json.Marshal(blockHeader{Height: height, ChainID: a.chainIDSnapshot()})
	for _, mod := range mods {
		res, err := a.router.Invoke(a.vfsRef, mod, "handle_message", header, router.ExecModeVoteExtension)
		if err != nil || res.Code != 0 {
			logger := log.WithModule(mod)
			logger.Warn().Msg("vote extension hook failed")
		}
	}
	return header, nil
}

// VerifyVoteExtension validates a peer's vote extension non-durably.
func (a *Adapter) VerifyVoteExtension(height int64, extension []byte) (VoteExtensionStatus, error) {
	mods := a.router.Endpoint("vote_extension")
	if len(mods) == 0 {
		return VoteExtensionAccept, nil
	}
	for _, mod := range mods {
		res, err := a.router.Invoke(a.vfsRef, mod, "handle_message", extension, router.ExecModeVerifyVoteExtension)
		if err != nil || res.Code != 0 {
			return VoteExtensionReject, nil
		}
	}
	return VoteExtensionAccept, nil
}

func (a *Adapter) chainIDSnapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chainID
}

// runBlocker invokes the begin- or end-blocker guest, when installed,
// with the block header. Blocker failures abort the block; a half-run
// block is worse than a halted host.
func (a *Adapter) runBlocker(kind router.ComponentKind, fnName string, header blockHeader) error {
	name, ok := a.router.FindByKind(kind)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("adapter: marshal block header: %w", err)
	}
	res, err := a.router.Invoke(a.vfsRef, name, fnName, payload, router.ExecModeFinalize)
	if err != nil {
		return fmt.Errorf("adapter: %s: %w", fnName, err)
	}
	if res.Code != 0 {
		return fmt.Errorf("adapter: %s returned code %d", fnName, res.Code)
	}
	return nil
}

// FinalizeBlock durably executes a decided block: begin-blocker, every
// transaction in order, end-blocker; then drains IPC mailboxes and
// publishes the accumulated events. Events emitted by a transaction
// precede the next transaction's events.
func (a *Adapter) FinalizeBlock(req FinalizeBlockRequest) (FinalizeBlockResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FinalizeBlockDuration)

	a.mu.Lock()
	a.blockEvents = nil
	a.height = req.Height
	a.mu.Unlock()

	header := blockHeader{Height: req.Height, Time: req.Time, ChainID: a.chainIDSnapshot()}
	if err := a.runBlocker(router.ComponentBeginBlocker, "begin_block", header); err != nil {
		return FinalizeBlockResponse{}, err
	}

	results := make([]TxResult, 0, len(req.Txs))
	for _, tx := range req.Txs {
		res := a.dispatchTx(tx, router.ExecModeFinalize)
		outcome := "success"
		if res.Code != 0 {
			outcome = "failure"
		}
		metrics.TxProcessed.WithLabelValues(outcome).Inc()
		results = append(results, res)
	}

	if err := a.runBlocker(router.ComponentEndBlocker, "end_block", header); err != nil {
		return FinalizeBlockResponse{}, err
	}

	a.router.DrainBlock()

	a.mu.Lock()
	evs := append([]events.Event(nil), a.blockEvents...)
	a.mu.Unlock()

	metrics.BlockHeight.Set(float64(req.Height))

	if a.broker != nil {
		for i := range evs {
			a.broker.Publish(&evs[i])
		}
	}

	return FinalizeBlockResponse{TxResults: results, Events: evs}, nil
}

// Record appends ev to the in-flight block's event list, stamping the
// current height when the emitter didn't. It satisfies abi.EventRecorder,
// so host_emit_event calls made during Finalize-mode dispatches land here.
func (a *Adapter) Record(ev events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.Height == 0 {
		ev.Height = a.height
	}
	a.blockEvents = append(a.blockEvents, ev)
}

// Commit recomputes the app hash over all durable namespace state and
// carries it forward. Stores are write-through, so there is nothing
// further to flush here.
func (a *Adapter) Commit() ([]byte, error) {
	hash, err := a.vfsRef.StateHash()
	if err != nil {
		return nil, fmt.Errorf("adapter: commit state hash: %w", err)
	}
	a.mu.Lock()
	a.appHash = hash
	a.mu.Unlock()
	return hash, nil
}

// Query answers a read-only state query by invoking handle_query on the
// module named by the leading path segment, under a discarded overlay so
// queries never mutate state.
func (a *Adapter) Query(req QueryRequest) (QueryResponse, error) {
	module := strings.TrimPrefix(req.Path, "/")
	if i := strings.IndexByte(module, '/'); i >= 0 {
		module = module[:i]
	}
	if module == "" {
		return QueryResponse{Code: 1, Log: "adapter: empty query path"}, nil
	}

	res, err := a.router.Invoke(a.vfsRef, module, "handle_query", req.Data, router.ExecModeSimulate)
	if err != nil {
		return QueryResponse{Code: 1, Log: err.Error()}, nil
	}
	return QueryResponse{Code: uint32(res.Code)}, nil
}
