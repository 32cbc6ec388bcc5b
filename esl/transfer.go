package esl

import "context"

// TransferOutcomeKind tags which variant of TransferResult was produced.
type TransferOutcomeKind int

const (
	TransferSuccess TransferOutcomeKind = iota
	TransferSuccessThreeway
	TransferFailedNoAnswer
	TransferFailedCallRejected
	TransferFailedNormalClearing
	TransferFailedOther
	TransferHangup
)

// TransferResult is the attended-transfer orchestration's outcome. Cause is
// set for the Failed variants; HangupEvent is set for TransferHangup.
type TransferResult struct {
	Kind        TransferOutcomeKind
	Cause       string
	HangupEvent *EventMessage
}

// attendedTransferState accumulates the named predicates' sightings since
// the orchestration started, so the result table can be evaluated as a
// conjunction over "seen so far" rather than a strict sequence.
type attendedTransferState struct {
	cLegAnswer      *EventMessage
	cLegHangup      *EventMessage
	cLegBridge      *EventMessage
	cLegUnbridge    *EventMessage
	aLegHangup      *EventMessage
	bLegHangup      *EventMessage
	aLegBridge      *EventMessage
	executeComplete *EventMessage
}

// AttendedTransfer performs att_xfer from c (the transferor, leg B) to
// endpoint, and blocks until the outcome is determined by the event
// pattern below, or ctx is done. A = c's current other leg at the time
// the transfer starts.
func AttendedTransfer(ctx context.Context, c *BasicChannel, endpoint string) (TransferResult, error) {
	if c.IsDisposed() {
		return TransferResult{}, ErrDisposed
	}
	b := c.uuid
	a := c.OtherLegUUID()
	if a == "" {
		return TransferResult{}, &InvalidOperationError{Reason: "att_xfer requires a bridged channel, " + b + " has no other leg"}
	}
	logger := c.logger

	sub := c.socket.Events(func(ev *EventMessage) bool { return ev.UUID() != "" })
	defer sub.Close()

	st := &attendedTransferState{}

	logger.Info("attended transfer starting", "a_leg", a, "b_leg", b, "endpoint", endpoint)

	execResultCh := make(chan *ExecuteResult, 1)
	execErrCh := make(chan error, 1)
	go func() {
		res, err := c.socket.ExecuteApp(ctx, b, "att_xfer", endpoint, false, true)
		if err != nil {
			execErrCh <- err
			return
		}
		execResultCh <- res
	}()

	var execStartErr error
	select {
	case err := <-execErrCh:
		execStartErr = err
	case <-execResultCh:
	case <-ctx.Done():
		execStartErr = &TimeoutError{Op: "att_xfer"}
	}
	if execStartErr != nil {
		logger.Error("attended transfer failed to start", "b_leg", b, "error", execStartErr)
		return TransferResult{Kind: TransferFailedOther, Cause: execStartErr.Error()}, execStartErr
	}

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return TransferResult{Kind: TransferFailedOther, Cause: "stream closed"}, c.socket.Err()
			}
			if result, done := evaluateTransfer(st, ev, a, b); done {
				logger.Info("attended transfer resolved", "b_leg", b, "kind", result.Kind, "cause", result.Cause)
				return result, nil
			}
		case <-sub.Done():
			return TransferResult{Kind: TransferFailedOther, Cause: "subscription ended"}, c.socket.Err()
		case <-ctx.Done():
			return TransferResult{Kind: TransferFailedOther, Cause: "cancelled"}, ctx.Err()
		}
	}
}

// evaluateTransfer folds one event into st and checks the result
// table below, first match wins, re-evaluated after every new event.
func evaluateTransfer(st *attendedTransferState, ev *EventMessage, a, b string) (TransferResult, bool) {
	u := ev.UUID()
	name := ev.EventName()

	switch {
	case u != a && u != b && name == EventChannelAnswer:
		st.cLegAnswer = ev
	case u != a && u != b && name == EventChannelHangup:
		st.cLegHangup = ev
	case u != a && u != b && name == EventChannelBridge:
		st.cLegBridge = ev
	case u != a && u != b && name == EventChannelUnbridge:
		st.cLegUnbridge = ev
	case u == a && name == EventChannelHangup:
		st.aLegHangup = ev
	case u == b && name == EventChannelHangup:
		st.bLegHangup = ev
	case u == a && name == EventChannelBridge:
		st.aLegBridge = ev
	}
	if name == EventChannelExecuteComplete && u == b && ev.GetHeader(HeaderApplication) == "att_xfer" {
		st.executeComplete = ev
	}

	if st.cLegHangup != nil && st.executeComplete != nil {
		switch OriginateDisposition(st.executeComplete.GetVariable("originate_disposition")) {
		case OriginateDispositionNoAnswer:
			return TransferResult{Kind: TransferFailedNoAnswer, Cause: "NO_ANSWER"}, true
		case OriginateDispositionCallRejected:
			return TransferResult{Kind: TransferFailedCallRejected, Cause: "CALL_REJECTED"}, true
		}
	}

	if st.cLegAnswer != nil && st.cLegHangup != nil && st.executeComplete != nil &&
		st.executeComplete.GetVariable("att_xfer_result") == "success" &&
		HangupCause(st.executeComplete.GetVariable("last_bridge_hangup_cause")) == HangupCauseNormalClearing &&
		OriginateDisposition(st.executeComplete.GetVariable("originate_disposition")) == OriginateDispositionSuccess {
		return TransferResult{Kind: TransferFailedNormalClearing, Cause: "NORMAL_CLEARING"}, true
	}

	if st.executeComplete != nil && st.executeComplete.GetVariable("xfer_uuids") != "" {
		return TransferResult{Kind: TransferSuccessThreeway}, true
	}

	if st.cLegAnswer != nil && st.bLegHangup != nil && st.cLegBridge != nil &&
		st.cLegBridge.GetHeader(HeaderOtherLegUniqueID) == a {
		return TransferResult{Kind: TransferSuccess}, true
	}

	if st.bLegHangup != nil && st.cLegAnswer != nil && st.aLegBridge != nil &&
		st.aLegBridge.GetHeader(HeaderOtherLegUniqueID) != b {
		return TransferResult{Kind: TransferSuccess}, true
	}

	if st.aLegHangup != nil {
		return TransferResult{Kind: TransferHangup, HangupEvent: st.aLegHangup}, true
	}

	return TransferResult{}, false
}
