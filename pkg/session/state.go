package session

// State of the transfer engine. One session walks these from NeedInit
// to Finish; the legal edges are encoded in legalTransitions and any
// other attempt forces Finish.
type State uint8

const (
	StateNeedInit State = iota
	StateRequest
	StateAckOptions
	StateDataTx
	StateDataRx
	StateAckTx
	StateAckRx
	StateRetransmit
	StateErrorAndStop
	StateFinish
)

func (s State) String() string {
	switch s {
	case StateNeedInit:
		return "need_init"
	case StateRequest:
		return "request"
	case StateAckOptions:
		return "ack_options"
	case StateDataTx:
		return "data_tx"
	case StateDataRx:
		return "data_rx"
	case StateAckTx:
		return "ack_tx"
	case StateAckRx:
		return "ack_rx"
	case StateRetransmit:
		return "retransmit"
	case StateErrorAndStop:
		return "error_and_stop"
	case StateFinish:
		return "finish"
	default:
		return "invalid"
	}
}

// Edges of the state machine, with both transfer directions folded in
// (a read server and a write client walk the sender edges, their peers
// the receiver edges). A transition to StateFinish is always legal.
var legalTransitions = map[State][]State{
	StateNeedInit: {StateRequest, StateErrorAndStop},
	StateRequest: {
		StateAckOptions, StateDataTx, StateDataRx,
		StateAckTx, StateAckRx, StateErrorAndStop,
	},
	StateAckOptions: {
		StateAckOptions, StateAckTx, StateDataTx, StateDataRx,
		StateAckRx, StateRetransmit, StateErrorAndStop,
	},
	StateDataTx: {StateAckRx, StateErrorAndStop},
	StateAckRx:  {StateDataTx, StateAckRx, StateRetransmit, StateErrorAndStop},
	StateDataRx: {StateAckTx, StateDataRx, StateRetransmit, StateErrorAndStop},
	StateAckTx:  {StateDataRx, StateAckOptions, StateErrorAndStop},
	StateRetransmit: {
		StateDataTx, StateAckTx, StateErrorAndStop,
	},
	StateErrorAndStop: {},
}

func transitionLegal(from, to State) bool {
	if to == StateFinish {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
