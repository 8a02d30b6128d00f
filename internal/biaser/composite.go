package biaser

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// arrayFrame drives production of a JSON array, delegating each element to
// a freshly-created frame over the item schema.
type arrayFrame struct {
	undoStack
	cfg     ArrayConfig
	compact bool
	phase   int
	count   int
	child   frame
}

const (
	arrOpen = iota
	arrBeforeItem
	arrInItem
	arrAfterItem
	arrClosed
)

func newArrayFrame(cfg ArrayConfig, compact bool) *arrayFrame {
	return &arrayFrame{cfg: cfg, compact: compact, phase: arrOpen}
}

func (f *arrayFrame) attemptAfterItem(b byte) (bool, func()) {
	if !f.compact && isWhitespace(b) {
		return true, func() {}
	}
	if b == ',' && (f.cfg.MaxItems == 0 || f.count < f.cfg.MaxItems) {
		old := f.phase
		f.phase = arrBeforeItem
		return true, func() { f.phase = old }
	}
	if b == ']' && f.count >= f.cfg.MinItems {
		old := f.phase
		f.phase = arrClosed
		return true, func() { f.phase = old }
	}
	return false, nil
}

func (f *arrayFrame) tryByte(b byte) bool {
	switch f.phase {
	case arrOpen:
		if b != '[' {
			return false
		}
		old := f.phase
		f.phase = arrBeforeItem
		f.push(func() { f.phase = old })
		return true

	case arrBeforeItem:
		if !f.compact && isWhitespace(b) {
			f.push(func() {})
			return true
		}
		if b == ']' && f.count >= f.cfg.MinItems {
			old := f.phase
			f.phase = arrClosed
			f.push(func() { f.phase = old })
			return true
		}
		if f.cfg.Items == nil || (f.cfg.MaxItems != 0 && f.count >= f.cfg.MaxItems) {
			return false
		}
		child := newFrame(f.cfg.Items, f.compact)
		if !child.tryByte(b) {
			return false
		}
		oldPhase, oldChild := f.phase, f.child
		f.phase, f.child = arrInItem, child
		f.push(func() { f.phase, f.child = oldPhase, oldChild })
		return true

	case arrInItem:
		if f.child.tryByte(b) {
			child := f.child
			f.push(func() { child.untry() })
			return true
		}
		if !f.child.accepting() {
			return false
		}
		oldChild, oldCount := f.child, f.count
		f.count++
		f.child = nil
		f.phase = arrAfterItem
		ok, undo := f.attemptAfterItem(b)
		if !ok {
			f.count, f.child, f.phase = oldCount, oldChild, arrInItem
			return false
		}
		f.push(func() {
			undo()
			f.phase, f.child, f.count = arrInItem, oldChild, oldCount
		})
		return true

	case arrAfterItem:
		ok, undo := f.attemptAfterItem(b)
		if ok {
			f.push(undo)
		}
		return ok
	}
	return false
}

func (f *arrayFrame) accepting() bool { return f.phase == arrClosed }

// objectFrame drives production of a JSON object, admitting only
// not-yet-emitted property keys at each key slot and delegating value
// production to the matching property's schema.
type objectFrame struct {
	undoStack
	cfg        ObjectConfig
	compact    bool
	phase      int
	emitted    map[string]bool
	keyFrame   *stringFrame
	pendingKey string
	valueFrame frame
}

const (
	objOpen = iota
	objBeforeKey
	objInKey
	objAfterColon
	objInValue
	objAfterValue
	objClosed
)

func newObjectFrame(cfg ObjectConfig, compact bool) *objectFrame {
	return &objectFrame{cfg: cfg, compact: compact, phase: objOpen, emitted: make(map[string]bool)}
}

func (f *objectFrame) remainingKeys() []string {
	var out []string
	for k := range f.cfg.Properties {
		if !f.emitted[k] {
			out = append(out, k)
		}
	}
	return out
}

func (f *objectFrame) allRequiredEmitted() bool {
	for _, r := range f.cfg.Required {
		if !f.emitted[r] {
			return false
		}
	}
	return true
}

func (f *objectFrame) attemptAfterValue(b byte) (bool, func()) {
	if !f.compact && isWhitespace(b) {
		return true, func() {}
	}
	if b == ',' && len(f.remainingKeys()) > 0 {
		old := f.phase
		f.phase = objBeforeKey
		return true, func() { f.phase = old }
	}
	if b == '}' && f.allRequiredEmitted() {
		old := f.phase
		f.phase = objClosed
		return true, func() { f.phase = old }
	}
	return false, nil
}

func (f *objectFrame) tryByte(b byte) bool {
	switch f.phase {
	case objOpen:
		if b != '{' {
			return false
		}
		old := f.phase
		f.phase = objBeforeKey
		f.push(func() { f.phase = old })
		return true

	case objBeforeKey:
		if !f.compact && isWhitespace(b) {
			f.push(func() {})
			return true
		}
		if b == '}' && f.allRequiredEmitted() {
			old := f.phase
			f.phase = objClosed
			f.push(func() { f.phase = old })
			return true
		}
		remaining := f.remainingKeys()
		if len(remaining) == 0 {
			return false
		}
		kf := &stringFrame{cfg: StringConfig{Enum: remaining}}
		if !kf.tryByte(b) {
			return false
		}
		oldPhase, oldKey := f.phase, f.keyFrame
		f.phase, f.keyFrame = objInKey, kf
		f.push(func() { f.phase, f.keyFrame = oldPhase, oldKey })
		return true

	case objInKey:
		if f.keyFrame.tryByte(b) {
			kf := f.keyFrame
			f.push(func() { kf.untry() })
			return true
		}
		if !f.keyFrame.accepting() {
			return false
		}
		if !f.compact && isWhitespace(b) {
			f.push(func() {})
			return true
		}
		if b != ':' {
			return false
		}
		key := f.keyFrame.matchedContent()
		oldPhase, oldPending := f.phase, f.pendingKey
		f.phase, f.pendingKey = objAfterColon, key
		f.push(func() { f.phase, f.pendingKey = oldPhase, oldPending })
		return true

	case objAfterColon:
		if !f.compact && isWhitespace(b) {
			f.push(func() {})
			return true
		}
		node := f.cfg.Properties[f.pendingKey]
		vf := newFrame(node, f.compact)
		if !vf.tryByte(b) {
			return false
		}
		oldPhase, oldValue := f.phase, f.valueFrame
		f.phase, f.valueFrame = objInValue, vf
		f.push(func() { f.phase, f.valueFrame = oldPhase, oldValue })
		return true

	case objInValue:
		if f.valueFrame.tryByte(b) {
			vf := f.valueFrame
			f.push(func() { vf.untry() })
			return true
		}
		if !f.valueFrame.accepting() {
			return false
		}
		oldPhase, oldValue, oldKey := f.phase, f.valueFrame, f.pendingKey
		wasEmitted := f.emitted[f.pendingKey]
		f.emitted[f.pendingKey] = true
		f.valueFrame, f.pendingKey, f.phase = nil, "", objAfterValue
		ok, undo := f.attemptAfterValue(b)
		if !ok {
			f.phase, f.valueFrame, f.pendingKey = oldPhase, oldValue, oldKey
			f.emitted[oldKey] = wasEmitted
			return false
		}
		f.push(func() {
			undo()
			f.phase, f.valueFrame, f.pendingKey = oldPhase, oldValue, oldKey
			f.emitted[oldKey] = wasEmitted
		})
		return true

	case objAfterValue:
		ok, undo := f.attemptAfterValue(b)
		if ok {
			f.push(undo)
		}
		return ok
	}
	return false
}

func (f *objectFrame) accepting() bool { return f.phase == objClosed }
