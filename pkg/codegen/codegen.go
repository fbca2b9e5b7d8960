package codegen

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/ir"
	"github.com/xplshn/gstc/pkg/symtab"
	"github.com/xplshn/gstc/pkg/token"
	"github.com/xplshn/gstc/pkg/typeChecker"
	"github.com/xplshn/gstc/pkg/util"
)

// maxObjectSize bounds a single data object or stack slot. Displacements are
// signed 32-bit on x86-64.
const maxObjectSize = math.MaxInt32

type Context struct {
	prog  *ir.Program
	cfg   *config.Config
	table *symtab.Table
	info  *typeChecker.Info

	tempCount    int
	labelCount   int
	slotCount    int
	currentFunc  *ir.Func
	currentBlock *ir.BasicBlock
	pou          *symtab.Symbol

	// Storage of the current POU.
	slots    map[*symtab.Symbol]*ir.Slot
	indirect map[*symtab.Symbol]bool // slot holds the address of the variable
	self     *ir.Slot                // function block instance pointer
	result   *ir.Slot

	exitLabel     *ir.Label
	breakLabel    *ir.Label
	continueLabel *ir.Label

	externs map[string]*ir.Extern
}

func NewContext(cfg *config.Config, table *symtab.Table, info *typeChecker.Info) *Context {
	return &Context{
		prog:    &ir.Program{WordSize: cfg.WordSize},
		cfg:     cfg,
		table:   table,
		info:    info,
		externs: make(map[string]*ir.Extern),
	}
}

// GenerateIR lowers a resolved compilation unit. Data objects and functions
// appear in declaration order; externs in order of first reference.
func (ctx *Context) GenerateIR(root *ast.Node) (prog *ir.Program, err error) {
	defer util.Recover(&err)
	if root == nil || root.Type != ast.CompilationUnit {
		return nil, util.Errorf(util.InternalError, token.Token{}, "lowering run on a non-unit node")
	}

	for _, sym := range ctx.table.Global.Symbols {
		switch {
		case sym.Kind == symtab.Variable && sym.Storage == symtab.Global:
			init := ctx.info.Inits[sym.Decl]
			ctx.addData(sym.Name, sym.Type, sym.Tok, func(buf []byte) { ctx.fillImage(buf, 0, sym.Type, init) })
		case sym.Kind == symtab.ProgramUnit:
			ctx.checkSignature(sym)
			if sym.POUKind == ast.KindProgram && sym.Storage != symtab.External {
				ctx.addData(sym.InstanceName(), sym.Instance, sym.Tok, func(buf []byte) { ctx.fillInstance(buf, 0, sym.Instance) })
			}
		}
	}

	for _, pou := range ctx.table.POUs {
		if pou.Storage == symtab.External {
			continue
		}
		ctx.codegenPOU(pou)
	}

	if err := ctx.prog.Verify(); err != nil {
		return nil, util.Wrap(util.InternalError, err, "malformed IR")
	}
	return ctx.prog, nil
}

// checkSignature rejects interfaces the calling convention cannot express.
func (ctx *Context) checkSignature(pou *symtab.Symbol) {
	if pou.POUKind == ast.KindFunction && pou.Type != nil && pou.Type.IsAggregate() {
		util.Bail(util.CodegenError, pou.Tok, "function '%s' returns %s; only elementary results are supported", pou.Name, pou.Type)
	}
}

func (ctx *Context) addData(name string, t *ast.Type, tok token.Token, fill func([]byte)) {
	size := t.SizeOf()
	if size > maxObjectSize {
		util.Bail(util.CodegenError, tok, "'%s' is %d bytes, larger than the 2 GiB object limit", name, size)
	}
	buf := make([]byte, size)
	fill(buf)
	d := &ir.Data{Name: name, Align: t.AlignOf(), Size: size, Bytes: buf}
	if d.IsZero() {
		d.Bytes = nil
	}
	ctx.prog.Data = append(ctx.prog.Data, d)
}

// useExtern records a reference to a symbol defined by another unit.
func (ctx *Context) useExtern(e *ir.Extern) {
	if _, ok := ctx.externs[e.Name]; ok {
		return
	}
	if e.Size > maxObjectSize {
		util.Bail(util.CodegenError, token.Token{}, "external '%s' is %d bytes, larger than the 2 GiB object limit", e.Name, e.Size)
	}
	ctx.externs[e.Name] = e
	ctx.prog.Externs = append(ctx.prog.Externs, e)
}

func (ctx *Context) newTemp() *ir.Temporary {
	t := &ir.Temporary{ID: ctx.tempCount}
	ctx.tempCount++
	return t
}

func (ctx *Context) newLabel() *ir.Label {
	l := &ir.Label{Name: fmt.Sprintf("L%d", ctx.labelCount)}
	ctx.labelCount++
	return l
}

func (ctx *Context) newSlot(name string, t *ast.Type) *ir.Slot {
	size, align := t.SizeOf(), t.AlignOf()
	if size > maxObjectSize {
		util.Bail(util.CodegenError, t.Tok, "local '%s' is %d bytes, larger than the 2 GiB object limit", name, size)
	}
	return ctx.newRawSlot(name, size, align)
}

func (ctx *Context) newRawSlot(name string, size, align int64) *ir.Slot {
	if size == 0 {
		size = 1
	}
	if align < 1 {
		align = 1
	}
	s := &ir.Slot{Name: name, ID: ctx.slotCount, Size: size, Align: align}
	ctx.slotCount++
	ctx.currentFunc.Slots = append(ctx.currentFunc.Slots, s)
	return s
}

func (ctx *Context) startBlock(label *ir.Label) {
	block := &ir.BasicBlock{Label: label}
	ctx.currentFunc.Blocks = append(ctx.currentFunc.Blocks, block)
	ctx.currentBlock = block
}

func (ctx *Context) addInstr(instr *ir.Instruction) {
	if ctx.currentBlock == nil {
		ctx.startBlock(ctx.newLabel())
	}
	ctx.currentBlock.Instructions = append(ctx.currentBlock.Instructions, instr)
}

func (ctx *Context) jump(l *ir.Label) {
	ctx.addInstr(&ir.Instruction{Op: ir.OpJmp, Args: []ir.Value{l}})
	ctx.currentBlock = nil
}

func (ctx *Context) branch(cond ir.Value, ifTrue, ifFalse *ir.Label) {
	ctx.addInstr(&ir.Instruction{Op: ir.OpJnz, Args: []ir.Value{cond, ifTrue, ifFalse}})
	ctx.currentBlock = nil
}

// POUs

func (ctx *Context) codegenPOU(pou *symtab.Symbol) {
	d := pou.Decl.Data.(ast.POUNode)
	fn := &ir.Func{Name: pou.Name, ReturnType: ir.TypeNone, Node: pou.Decl}
	ctx.currentFunc, ctx.pou = fn, pou
	ctx.tempCount, ctx.labelCount, ctx.slotCount = 0, 0, 0
	ctx.slots = make(map[*symtab.Symbol]*ir.Slot)
	ctx.indirect = make(map[*symtab.Symbol]bool)
	ctx.self, ctx.result = nil, nil
	ctx.exitLabel = &ir.Label{Name: "end"}
	ctx.startBlock(&ir.Label{Name: "start"})

	switch d.Kind {
	case ast.KindFunction:
		ctx.functionPrologue(pou, fn)
	case ast.KindFunctionBlock:
		self := &ir.Param{Name: "self", Typ: ir.TypeL, Val: &ir.Temporary{Name: "self", ID: ctx.tempCount}}
		ctx.tempCount++
		fn.Params = append(fn.Params, self)
		ctx.self = ctx.newRawSlot("self", 8, 8)
		ctx.store(self.Val, ctx.addr(ctx.self), ir.TypeL)
	}

	for _, sym := range pou.Scope.Symbols {
		if sym.Kind != symtab.Variable || sym.Storage != symtab.Local || sym.IsResult {
			continue
		}
		if _, done := ctx.slots[sym]; done {
			continue
		}
		if d.Kind != ast.KindFunction && sym.Section != ast.SectionTemp {
			continue
		}
		slot := ctx.newSlot(sym.Name, sym.Type)
		ctx.slots[sym] = slot
		ctx.initStorage(ctx.addr(slot), sym.Type, ctx.info.Inits[sym.Decl])
	}

	if !ctx.codegenStmts(d.Body) {
		ctx.jump(ctx.exitLabel)
	}

	ctx.startBlock(ctx.exitLabel)
	ret := &ir.Instruction{Op: ir.OpRet}
	if ctx.result != nil {
		t := pou.Type
		ret.Typ = valType(t)
		ret.Args = []ir.Value{ctx.load(ctx.addr(ctx.result), t)}
	}
	ctx.addInstr(ret)
	ctx.currentBlock = nil
	ctx.prog.Funcs = append(ctx.prog.Funcs, fn)
}

// functionPrologue binds the parameters of a FUNCTION. Elementary inputs
// arrive by value and aggregates by address, copied into a local; IN_OUT and
// OUTPUT parameters are addressed through the pointer the caller passes.
func (ctx *Context) functionPrologue(pou *symtab.Symbol, fn *ir.Func) {
	for _, p := range pou.Scope.Params() {
		param := &ir.Param{Name: p.Name, Typ: paramType(p), Val: &ir.Temporary{Name: p.Name, ID: ctx.tempCount}}
		ctx.tempCount++
		fn.Params = append(fn.Params, param)

		switch {
		case p.Section != ast.SectionInput:
			slot := ctx.newRawSlot(p.Name, 8, 8)
			ctx.store(param.Val, ctx.addr(slot), ir.TypeL)
			ctx.slots[p], ctx.indirect[p] = slot, true
		case p.Type.IsAggregate():
			slot := ctx.newSlot(p.Name, p.Type)
			ctx.blit(param.Val, ctx.addr(slot), p.Type)
			ctx.slots[p] = slot
		default:
			slot := ctx.newSlot(p.Name, p.Type)
			ctx.store(param.Val, ctx.addr(slot), storeType(p.Type))
			ctx.slots[p] = slot
		}
	}

	if pou.Type.Kind == ast.TYPE_VOID {
		return
	}
	fn.ReturnType = valType(pou.Type)
	if res := pou.Scope.LookupLocal(pou.Name); res != nil && res.IsResult {
		ctx.result = ctx.newSlot(res.Name, pou.Type)
		ctx.slots[res] = ctx.result
		ctx.initStorage(ctx.addr(ctx.result), pou.Type, nil)
	}
}

// paramType is the calling-convention class of a FUNCTION parameter.
func paramType(p *symtab.Symbol) ir.Type {
	if p.Section != ast.SectionInput || p.Type.IsAggregate() {
		return ir.TypeL
	}
	return valType(p.Type)
}

func (ctx *Context) externFunc(pou *symtab.Symbol) *ir.Extern {
	e := &ir.Extern{Name: pou.Name, IsFunc: true, ReturnType: ir.TypeNone}
	switch pou.POUKind {
	case ast.KindFunction:
		for _, p := range pou.Scope.Params() {
			e.Params = append(e.Params, paramType(p))
		}
		if pou.Type.Kind != ast.TYPE_VOID {
			e.ReturnType = valType(pou.Type)
		}
	case ast.KindFunctionBlock:
		e.Params = []ir.Type{ir.TypeL}
	}
	return e
}

// Storage addressing

// addrOf returns the address of a variable as seen from the current POU.
func (ctx *Context) addrOf(sym *symtab.Symbol) ir.Value {
	if sym.Binds != nil {
		sym = sym.Binds
	}
	if slot, ok := ctx.slots[sym]; ok {
		a := ctx.addr(slot)
		if ctx.indirect[sym] {
			return ctx.loadRaw(a, ir.TypeL)
		}
		return a
	}

	switch sym.Storage {
	case symtab.Global:
		return ctx.addrGlobal(sym.Name)
	case symtab.External:
		ctx.useExtern(&ir.Extern{Name: sym.Name, Size: sym.Type.SizeOf()})
		return ctx.addrGlobal(sym.Name)
	}

	owner := sym.Owner
	f, ok := owner.Instance.Field(sym.Name)
	if !ok {
		util.Bail(util.InternalError, sym.Tok, "'%s' has no storage in '%s'", sym.Name, owner.Name)
	}
	a := ctx.offset(ctx.instanceBase(owner), f.Offset)
	if f.Pointer {
		return ctx.loadRaw(a, ir.TypeL)
	}
	return a
}

// instanceBase is the address of the instance data of a PROGRAM, or of the
// function block instance the current call works on.
func (ctx *Context) instanceBase(owner *symtab.Symbol) ir.Value {
	if owner.POUKind == ast.KindProgram {
		return ctx.programInstance(owner)
	}
	if owner != ctx.pou || ctx.self == nil {
		util.Bail(util.InternalError, owner.Tok, "instance of '%s' is not in scope", owner.Name)
	}
	return ctx.loadRaw(ctx.addr(ctx.self), ir.TypeL)
}

func (ctx *Context) programInstance(pou *symtab.Symbol) ir.Value {
	if pou.Storage == symtab.External {
		ctx.useExtern(&ir.Extern{Name: pou.InstanceName(), Size: pou.Instance.SizeOf()})
	}
	return ctx.addrGlobal(pou.InstanceName())
}

func (ctx *Context) addrGlobal(name string) ir.Value {
	res := ctx.newTemp()
	ctx.addInstr(&ir.Instruction{Op: ir.OpAddr, Typ: ir.TypeL, Result: res, Args: []ir.Value{&ir.Global{Name: name}}})
	return res
}

func (ctx *Context) addr(slot *ir.Slot) ir.Value {
	res := ctx.newTemp()
	ctx.addInstr(&ir.Instruction{Op: ir.OpAddr, Typ: ir.TypeL, Result: res, Args: []ir.Value{slot}})
	return res
}

func (ctx *Context) offset(base ir.Value, off int64) ir.Value {
	if off == 0 {
		return base
	}
	return ctx.arith(ir.OpAdd, base, &ir.Const{Value: off})
}

// Initial values

// fillImage writes the initial value of a t-typed object at buf[off:].
func (ctx *Context) fillImage(buf []byte, off int64, t *ast.Type, init *ast.Node) {
	switch t.Kind {
	case ast.TYPE_ARRAY:
		var elems []*ast.Node
		if init != nil {
			if ai, ok := init.Data.(ast.ArrayInitNode); ok {
				elems = ai.Elems
			}
		}
		esize := t.Base.SizeOf()
		for i := int64(0); i < t.Len(); i++ {
			var e *ast.Node
			if i < int64(len(elems)) {
				e = elems[i]
			}
			ctx.fillImage(buf, off+i*esize, t.Base, e)
		}
	case ast.TYPE_STRUCT:
		explicit := make(map[string]*ast.Node)
		if init != nil {
			if si, ok := init.Data.(ast.StructInitNode); ok {
				for _, f := range si.Fields {
					a := f.Data.(ast.AssignNode)
					explicit[util.CanonicalName(a.Lhs.Data.(ast.IdentNode).Name)] = a.Rhs
				}
			}
		}
		for _, f := range t.Layout() {
			finit, ok := explicit[util.CanonicalName(f.Name)]
			if !ok {
				finit = ctx.info.Inits[f.Decl]
			}
			ctx.fillImage(buf, off+f.Offset, f.Type, finit)
		}
	case ast.TYPE_FB:
		ctx.fillInstance(buf, off, t)
	default:
		c := ctx.info.DefaultValue(t)
		if init != nil {
			v, ok := ctx.info.ConstOf(init)
			if !ok {
				util.Bail(util.InternalError, init.Tok, "initializer is not constant")
			}
			c = v.As(t)
		}
		putScalar(buf[off:], t.SizeOf(), c.Bits(t))
	}
}

// fillInstance writes the initial state of a PROGRAM or FUNCTION_BLOCK
// instance. IN_OUT members start as null addresses.
func (ctx *Context) fillInstance(buf []byte, off int64, t *ast.Type) {
	for _, f := range t.Layout() {
		if f.Pointer {
			continue
		}
		ctx.fillImage(buf, off+f.Offset, f.Type, ctx.info.Inits[f.Decl])
	}
}

func putScalar(b []byte, size int64, bits uint64) {
	switch size {
	case 1:
		b[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(bits))
	default:
		binary.LittleEndian.PutUint64(b, bits)
	}
}

// initStorage (re)initializes the object at addr the way a data image would.
func (ctx *Context) initStorage(addr ir.Value, t *ast.Type, init *ast.Node) {
	if t.IsScalar() {
		c := ctx.info.DefaultValue(t)
		if init != nil {
			c, _ = ctx.info.ConstOf(init)
			c = c.As(t)
		}
		ctx.store(constValue(c, t), addr, storeType(t))
		return
	}

	size := t.SizeOf()
	buf := make([]byte, size)
	ctx.fillImage(buf, 0, t, init)
	ctx.addInstr(&ir.Instruction{Op: ir.OpZero, Args: []ir.Value{addr}, Size: size, Align: t.AlignOf()})
	for off := int64(0); off < size; {
		n := int64(8)
		for off+n > size {
			n /= 2
		}
		var bits uint64
		for i := n - 1; i >= 0; i-- {
			bits = bits<<8 | uint64(buf[off+i])
		}
		if bits != 0 {
			ctx.store(&ir.Const{Value: int64(bits)}, ctx.offset(addr, off), ir.StoreType(n))
		}
		off += n
	}
}
