package ast

// Walk calls visitor for node and every node below it, parents first.
func Walk(node *Node, visitor func(n *Node)) {
	if node == nil {
		return
	}
	visitor(node)

	walkList := func(nodes []*Node) {
		for _, n := range nodes {
			Walk(n, visitor)
		}
	}

	switch d := node.Data.(type) {
	case BinaryOpNode:
		Walk(d.Left, visitor)
		Walk(d.Right, visitor)
	case UnaryOpNode:
		Walk(d.Expr, visitor)
	case MemberAccessNode:
		Walk(d.Expr, visitor)
	case SubscriptNode:
		Walk(d.Array, visitor)
		Walk(d.Index, visitor)
	case TypedLiteralNode:
		Walk(d.Value, visitor)
	case ArrayInitNode:
		walkList(d.Elems)
	case StructInitNode:
		walkList(d.Fields)
	case ArgumentNode:
		Walk(d.Value, visitor)
	case CallNode:
		Walk(d.Callee, visitor)
		walkList(d.Args)
	case AssignNode:
		Walk(d.Lhs, visitor)
		Walk(d.Rhs, visitor)
	case CallStmtNode:
		Walk(d.Call, visitor)
	case IfNode:
		Walk(d.Cond, visitor)
		walkList(d.Then)
		walkList(d.ElsIfs)
		walkList(d.Else)
	case ElsIfNode:
		Walk(d.Cond, visitor)
		walkList(d.Body)
	case CaseNode:
		Walk(d.Selector, visitor)
		walkList(d.Branches)
		walkList(d.Else)
	case CaseBranchNode:
		walkList(d.Labels)
		walkList(d.Body)
	case ForNode:
		Walk(d.Var, visitor)
		Walk(d.Start, visitor)
		Walk(d.End, visitor)
		Walk(d.Step, visitor)
		walkList(d.Body)
	case WhileNode:
		Walk(d.Cond, visitor)
		walkList(d.Body)
	case RepeatNode:
		walkList(d.Body)
		Walk(d.Cond, visitor)
	case VarBlockNode:
		walkList(d.Decls)
	case VarDeclNode:
		Walk(d.Init, visitor)
	case TypeDeclNode:
		Walk(d.Init, visitor)
	case POUNode:
		walkList(d.VarBlocks)
		walkList(d.Body)
	case CompilationUnitNode:
		walkList(d.Decls)
	}
}

// EnclosingPOU returns the POU node containing n, or nil at unit level.
func EnclosingPOU(n *Node) *Node {
	for p := n; p != nil; p = p.Parent {
		if p.Type == POU {
			return p
		}
	}
	return nil
}

var nodeTypeNames = [...]string{
	Number: "Number", Real: "Real", Bool: "Bool", Ident: "Ident", BinaryOp: "BinaryOp", UnaryOp: "UnaryOp",
	MemberAccess: "MemberAccess", Subscript: "Subscript", Call: "Call", TypedLiteral: "TypedLiteral",
	EnumLiteral: "EnumLiteral", ArrayInit: "ArrayInit", StructInit: "StructInit",
	Assign: "Assign", CallStmt: "CallStmt", If: "If", Case: "Case", For: "For", While: "While",
	Repeat: "Repeat", Exit: "Exit", Continue: "Continue", Return: "Return", Empty: "Empty",
	CompilationUnit: "CompilationUnit", VarBlock: "VarBlock", VarDecl: "VarDecl", TypeDecl: "TypeDecl",
	POU: "POU", Argument: "Argument", CaseBranch: "CaseBranch", ElsIf: "ElsIf",
}

func (t NodeType) String() string {
	if int(t) < len(nodeTypeNames) && nodeTypeNames[t] != "" {
		return nodeTypeNames[t]
	}
	return "NodeType(?)"
}

// OutlineNode is a parent-free copy of the tree shape, suitable for dumping.
type OutlineNode struct {
	Kind     string
	Text     string `json:",omitempty"`
	Line     int
	Type     string         `json:",omitempty"`
	Children []*OutlineNode `json:",omitempty"`
}

// Outline returns the tree rooted at root without parent links.
func Outline(root *Node) *OutlineNode {
	if root == nil {
		return nil
	}
	nodes := make(map[*Node]*OutlineNode)
	var top *OutlineNode
	Walk(root, func(n *Node) {
		o := &OutlineNode{Kind: n.Type.String(), Text: n.Tok.Value, Line: n.Tok.Line}
		if n.Typ != nil {
			o.Type = n.Typ.String()
		}
		nodes[n] = o
		for p := n.Parent; p != nil; p = p.Parent {
			if po, ok := nodes[p]; ok {
				po.Children = append(po.Children, o)
				return
			}
		}
		if top == nil {
			top = o
		}
	})
	return top
}
