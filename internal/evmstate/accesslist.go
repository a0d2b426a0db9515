package evmstate

import "github.com/ethereum/go-ethereum/common"

// accessList tracks EIP-2929/2930 warm addresses and storage slots for
// one request. It is ordinary in-memory state: never persisted to the
// snapshot, discarded at request end along with transient storage.
type accessList struct {
	addresses map[common.Address]struct{}
	slots     map[common.Address]map[common.Hash]struct{}
}

func newAccessList() *accessList {
	return &accessList{
		addresses: make(map[common.Address]struct{}),
		slots:     make(map[common.Address]map[common.Hash]struct{}),
	}
}

func (l *accessList) clone() *accessList {
	cp := newAccessList()
	for a := range l.addresses {
		cp.addresses[a] = struct{}{}
	}
	for a, set := range l.slots {
		cpSet := make(map[common.Hash]struct{}, len(set))
		for s := range set {
			cpSet[s] = struct{}{}
		}
		cp.slots[a] = cpSet
	}
	return cp
}

func (l *accessList) addAddress(addr common.Address) {
	l.addresses[addr] = struct{}{}
}

func (l *accessList) addSlot(addr common.Address, slot common.Hash) {
	l.addresses[addr] = struct{}{}
	set, ok := l.slots[addr]
	if !ok {
		set = make(map[common.Hash]struct{})
		l.slots[addr] = set
	}
	set[slot] = struct{}{}
}

func (l *accessList) containsAddress(addr common.Address) bool {
	_, ok := l.addresses[addr]
	return ok
}

func (l *accessList) contains(addr common.Address, slot common.Hash) (addrOk, slotOk bool) {
	addrOk = l.containsAddress(addr)
	if set, ok := l.slots[addr]; ok {
		_, slotOk = set[slot]
	}
	return
}
