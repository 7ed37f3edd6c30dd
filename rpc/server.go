// Package rpc exposes the relayer's RPC directive channel over HTTP:
// operator-triggered key registration, block template preparation, and
// a store-block request keyed by parent consensus hash and burn hash.
package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
	"github.com/psq/stacks-blockchain/internal/xlog"
	"github.com/psq/stacks-blockchain/relay"
)

// Server adapts HTTP requests onto the relayer's RPCDirective channel.
type Server struct {
	log   xlog.Logger
	rpcCh chan<- relay.RPCDirective

	handler http.Handler
}

// NewServer builds an HTTP handler that posts onto rpcCh and waits for
// the relayer's single reply per request.
func NewServer(rpcCh chan<- relay.RPCDirective) *Server {
	s := &Server{log: xlog.New("component", "rpc-server"), rpcCh: rpcCh}

	router := httprouter.New()
	router.POST("/v2/keys/register", s.registerKey)
	router.POST("/v2/blocks/prepare", s.prepareBlock)
	router.POST("/v2/blocks/store", s.storeMinerBlock)

	s.handler = cors.Default().Handler(router)
	return s
}

// Handler returns the http.Handler to mount on a listener.
func (s *Server) Handler() http.Handler { return s.handler }

type registerKeyRequest struct {
	ConsensusHash string `json:"consensus_hash"`
}

type registerKeyResponse struct {
	VRFPublicKey string `json:"vrf_public_key,omitempty"`
	Txid         string `json:"txid,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) registerKey(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body registerKeyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var consensusHash burnchain.ConsensusHash
	copy(consensusHash[:], []byte(body.ConsensusHash))

	reply := make(chan relay.RegisterKeyRPCResponse, 1)
	s.rpcCh <- relay.RegisterKeyRPC{ConsensusHash: consensusHash, Reply: reply}
	resp := <-reply

	if resp.Err != nil {
		writeErrorKind(w, resp.Err)
		return
	}
	writeJSON(w, http.StatusOK, registerKeyResponse{
		VRFPublicKey: string(resp.VRFPublicKey[:]),
		Txid:         resp.Txid.String(),
	})
}

type prepareBlockRequest struct {
	ParentConsensusHash string `json:"parent_consensus_hash"`
	TipBlockHash        string `json:"tip_block_hash"`
}

type prepareBlockResponse struct {
	BlockHash           string `json:"block_hash,omitempty"`
	MicroblockSecretKey string `json:"microblock_secret_key,omitempty"`
	Error               string `json:"error,omitempty"`
}

func (s *Server) prepareBlock(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body prepareBlockRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var parentConsensusHash burnchain.ConsensusHash
	copy(parentConsensusHash[:], []byte(body.ParentConsensusHash))
	var tipBlockHash chainstate.BlockHeaderHash
	copy(tipBlockHash[:], []byte(body.TipBlockHash))

	reply := make(chan relay.BuildBlockTemplateRPCResponse, 1)
	s.rpcCh <- relay.PrepareBlockRPC{ParentConsensusHash: parentConsensusHash, TipBlockHash: tipBlockHash, Reply: reply}
	resp := <-reply

	if resp.Err != nil {
		writeErrorKind(w, resp.Err)
		return
	}
	writeJSON(w, http.StatusOK, prepareBlockResponse{
		BlockHash:           string(resp.BlockHash[:]),
		MicroblockSecretKey: string(resp.MicroblockSecretKey),
	})
}

type storeMinerBlockRequest struct {
	ParentConsensusHash string `json:"parent_consensus_hash"`
	MyBurnHash          string `json:"my_burn_hash"`
}

// storeMinerBlock posts a StoreMinerBlockRPC built from the two hashes in
// the request body. The request carries no block or microblock key, so the
// posted directive's Anchored and MicroblockSecretKey are empty.
func (s *Server) storeMinerBlock(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body storeMinerBlockRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var parentConsensusHash burnchain.ConsensusHash
	copy(parentConsensusHash[:], []byte(body.ParentConsensusHash))
	var myBurnHash burnchain.HeaderHash
	copy(myBurnHash[:], []byte(body.MyBurnHash))

	s.rpcCh <- relay.StoreMinerBlockRPC{ParentConsensusHash: parentConsensusHash, MyBurnHash: myBurnHash}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeErrorKind(w http.ResponseWriter, err error) {
	switch err {
	case relay.ErrNoSuchBlock:
		writeError(w, http.StatusNotFound, err)
	case relay.ErrInvalidProof:
		writeError(w, http.StatusBadRequest, err)
	case relay.ErrFailedToMineBlock, relay.ErrFailedToComputeRecipients:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
